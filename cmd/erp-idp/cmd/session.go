package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/spf13/viper"
)

// session wires the use case for a single CLI invocation. Tokens live in
// memory and are gone when the process exits.
type session struct {
	useCase *gemidp.UseCase
	signer  *gemidp.SoftkeySigner
}

func newSession() (*session, error) {
	configFile := viper.GetString("config_file")
	config, err := gemidp.LoadConfigFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", configFile, err)
	}
	slog.Debug("Config loaded", "file", configFile, "base_url", config.IDP.ResolvedBaseURL())

	httpClient := &http.Client{
		Timeout: viper.GetDuration("timeout"),
	}
	remote, err := gemidp.NewRemoteDataSource(config.IDP, httpClient)
	if err != nil {
		return nil, err
	}

	trustStore, err := config.NewTrustStore(context.Background(), httpClient)
	if err != nil {
		return nil, err
	}

	signer, err := config.LoadSigner()
	if err != nil {
		return nil, err
	}

	repo := gemidp.NewDefaultRepository(remote, gemidp.NewMemoryStore())
	return &session{
		useCase: gemidp.NewUseCase(repo, trustStore, gemidp.WithClientID(config.IDP.ClientID)),
		signer:  signer,
	}, nil
}

func init() {
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "timeout of requests to the IDP-Dienst")
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}
