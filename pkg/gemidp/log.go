package gemidp

import (
	"context"
	"log/slog"

	"github.com/segmentio/ksuid"
)

type loggerKey struct{}

// withFlowLogger attaches a logger carrying a fresh flow id to ctx. All log
// lines of one flow attempt share that id.
func withFlowLogger(ctx context.Context, name string) context.Context {
	logger := slog.Default().With("flow", ksuid.New().String(), "flow_name", name)
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
