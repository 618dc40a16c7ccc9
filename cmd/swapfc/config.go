package main

import (
	"github.com/spf13/cobra"

	"github.com/swapfc/swapfc/internal/config"
)

var configDefault bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration start would use: defaults, then the file, then
SWAPFC_* environment variables. With --default only the built-in defaults are
printed, which makes a starting point for a configuration file:

  swapfc config --default > /etc/swapfc/swapfc.yaml`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configDefault, "default", false, "print the built-in defaults")
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.NewDefault()
	if !configDefault {
		var err error
		if cfg, _, err = loadConfig(cmd); err != nil {
			return err
		}
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
