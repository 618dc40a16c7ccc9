package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/kernel"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Release every swap extent a previous run left active",
	Long: `Adopt the swap extents recorded under the work directory and release
them. Pools without a record directory are left alone, so zram devices set up
by other tools are never touched.

Run it after "swapfc start --keep-on-exit" or after a crash.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	p := recordedPools(cfg)
	if !p.RAM && !p.Disk {
		logger.Info("nothing recorded, nothing to release", map[string]interface{}{
			"work_dir": cfg.Global.WorkDir,
		})
		return nil
	}

	d, err := newDaemon(cfg, logger, false)
	if err != nil {
		return err
	}
	if err := d.buildPools(p); err != nil {
		return err
	}

	ctx := cmd.Context()
	for _, ctrl := range d.pools {
		n, err := ctrl.Adopt(ctx)
		if err != nil {
			logger.Warn("could not adopt pool", map[string]interface{}{"pool": ctrl.Name(), "error": err})
			continue
		}
		logger.Info("adopted pool", map[string]interface{}{"pool": ctrl.Name(), "extents": n})
	}

	if err := d.releaseAll(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(cfg.Global.WorkDir); err != nil {
		logger.Warn("could not remove work directory", map[string]interface{}{
			"work_dir": cfg.Global.WorkDir,
			"error":    err,
		})
	}
	return nil
}

// recordedPools plans the pools that have a record directory.
func recordedPools(cfg *config.Configuration) plan {
	exists := func(name string) bool {
		info, err := os.Stat(filepath.Join(cfg.Global.WorkDir, name))
		return err == nil && info.IsDir()
	}
	return plan{
		Mode:  "stop",
		RAM:   exists("zram"),
		Disk:  exists("swapfile"),
		Zswap: kernel.ZswapEnabled(cfg.Global.SysPath),
	}
}
