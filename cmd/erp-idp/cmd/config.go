package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gematik/erp-idp/pkg/gemidp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the loaded configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Config file: %s\n", viper.GetString("config_file"))
		config, err := gemidp.LoadConfigFile(viper.GetString("config_file"))
		if err != nil {
			slog.Error(fmt.Sprintf("load config file %q", viper.GetString("config_file")), "error", err)
			return
		}
		fmt.Printf("Base dir: %s\n", config.BaseDir)
		fmt.Printf("Base URL: %s\n", config.IDP.ResolvedBaseURL())
		yaml.NewEncoder(cmd.OutOrStdout()).Encode(config)
	},
}
