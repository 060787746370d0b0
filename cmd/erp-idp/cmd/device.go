package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/spf13/cobra"
)

var (
	deviceName string
	keepDevice bool
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceName, "name", "erp-idp", "name of the device shown in the list of paired devices")
	deviceCmd.Flags().BoolVar(&keepDevice, "keep", false, "do not delete the device after authenticating")
}

// The software key only lives as long as the process, so registration and
// authentication run in one invocation.
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Register a software device with the health card and authenticate with it",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := newSession()
		cobra.CheckErr(err)

		device, err := gemidp.NewSoftkeySecureElement()
		cobra.CheckErr(err)
		info := gemidp.NewDeviceInformation(deviceName, gemidp.DeviceType{
			Manufacturer: "gematik",
			Product:      "erp-idp",
			Model:        "softkey",
			OS:           "go",
			OSVersion:    "1",
		})

		paired, err := s.useCase.RegisterDeviceWithHealthCard(cmd.Context(), s.signer, device, info)
		cobra.CheckErr(err)
		slog.Info("Device registered", "key_identifier", device.KeyIdentifier(), "name", paired.Entry.Name)

		entries, err := s.useCase.PairedDevices(cmd.Context(), paired.AccessToken)
		cobra.CheckErr(err)
		for _, e := range entries {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%d\n", e.Name, e.CreationTime)
		}

		result, err := s.useCase.AuthenticationFlowWithSecureElement(cmd.Context(), device, paired.HealthCardCertificate, info, gemidp.AuthenticationMethodStrong)
		if err != nil {
			slog.Error("Authentication with device failed", "kind", gemidp.ErrorKind(err), "error", err)
		}

		if !keepDevice {
			cobra.CheckErr(s.useCase.DeletePairedDevice(cmd.Context(), paired.AccessToken, device.KeyIdentifier()))
		}
		cobra.CheckErr(err)
		printToken(cmd, result.AccessToken)
	},
}
