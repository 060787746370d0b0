package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/gematik/erp-idp/pkg/util"
	"github.com/spf13/cobra"
)

var showClaims = false

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(pairCmd)
	for _, c := range []*cobra.Command{loginCmd, refreshCmd} {
		c.Flags().BoolVar(&showClaims, "claims", false, "print decoded token instead of the compact form")
	}
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the configured health card and print the access token",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		cobra.CheckErr(err)

		result, err := s.useCase.AuthenticationFlowWithHealthCard(cmd.Context(), s.signer)
		cobra.CheckErr(err)

		slog.Info("Authenticated",
			"name", result.IDTokenInsurantName,
			"organization", result.IDTokenInsuranceName,
			"id", result.IDTokenInsuranceIdentifier,
			"expires_on", result.ExpiresOn,
		)
		printToken(cmd, result.AccessToken)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Authenticate, then obtain a second access token with the SSO token",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		cobra.CheckErr(err)

		_, err = s.useCase.AuthenticationFlowWithHealthCard(cmd.Context(), s.signer)
		cobra.CheckErr(err)

		accessToken, err := s.useCase.LoadAccessToken(cmd.Context(), true)
		if err != nil {
			slog.Error("Refresh failed", "kind", gemidp.ErrorKind(err), "error", err)
			cobra.CheckErr(err)
		}
		printToken(cmd, accessToken)
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Run the device pairing authentication and print the pairing SSO token",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		cobra.CheckErr(err)

		token, err := s.useCase.PairingFlowWithHealthCard(cmd.Context(), s.signer)
		cobra.CheckErr(err)

		slog.Info("Pairing authenticated", "scope", token.Scope)
		fmt.Fprintln(cmd.OutOrStdout(), token.Token)
	},
}

func printToken(cmd *cobra.Command, token string) {
	if showClaims {
		fmt.Fprint(cmd.OutOrStdout(), util.TokenToText(token))
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
}
