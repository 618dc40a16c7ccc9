package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/pkg/utils"
)

// defaultConfigPath is read when it exists and --config is not given.
const defaultConfigPath = "/etc/swapfc/swapfc.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "swapfc",
	Short: "swapfc - adaptive swap capacity",
	Long: `swapfc keeps a pool of compressed-RAM swap devices and a pool of swap
files sized to the current memory pressure.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file")
}

// loadConfig returns the effective configuration. A missing default file is
// not an error; a missing explicit one is.
func loadConfig(cmd *cobra.Command) (*config.Configuration, string, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Configuration) *utils.StructuredLogger {
	lc := utils.DefaultStructuredLoggerConfig()
	// Validate has already rejected bad values.
	lc.Level, _ = utils.ParseLogLevel(cfg.Global.LogLevel)
	lc.Format, _ = utils.ParseLogFormat(cfg.Global.LogFormat)
	// systemd sets JOURNAL_STREAM when stderr is connected to the journal.
	if lc.Format == utils.FormatText && os.Getenv("JOURNAL_STREAM") != "" {
		lc.Format = utils.FormatJournal
	}
	return utils.NewStructuredLogger(lc)
}
