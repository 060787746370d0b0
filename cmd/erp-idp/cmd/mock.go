package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gematik/erp-idp/pkg/mockidp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().String("addr", "127.0.0.1:8088", "listen address")
	mockCmd.Flags().String("anchor-out", "mock-idp-anchor.pem", "file receiving the trust anchor of the mock")
	viper.BindPFlag("mock_addr", mockCmd.Flags().Lookup("addr"))
	viper.BindPFlag("mock_anchor_out", mockCmd.Flags().Lookup("anchor-out"))
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve a mock IDP-Dienst accepting software health cards",
	Run: func(cmd *cobra.Command, args []string) {
		mock, err := mockidp.New(mockidp.Config{})
		cobra.CheckErr(err)

		anchorOut := viper.GetString("mock_anchor_out")
		cobra.CheckErr(os.WriteFile(anchorOut, mock.TrustAnchorPEM(), 0o644))
		slog.Info("Trust anchor written", "file", anchorOut)

		e := mock.Echo()
		addr := viper.GetString("mock_addr")
		errCh := make(chan error, 1)
		go func() {
			slog.Info("Mock IDP-Dienst listening", "addr", addr)
			errCh <- e.Start(addr)
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				cobra.CheckErr(err)
			}
		case <-cmd.Context().Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			cobra.CheckErr(e.Shutdown(ctx))
		}
	},
}
