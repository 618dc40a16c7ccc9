package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/memmon"
)

// releaseTimeout bounds the teardown after a signal. Draining a large swap
// device can take minutes.
const releaseTimeout = 10 * time.Minute

// metricsShutdownTimeout bounds in-flight scrapes on exit.
const metricsShutdownTimeout = 5 * time.Second

var (
	startMode       string
	startKeepOnExit bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the swap pools until interrupted",
	Long: `Run the swap pools in the foreground until SIGINT or SIGTERM.

Extents a previous run left behind are adopted. On exit every extent is
released unless --keep-on-exit is given.

Examples:
  swapfc start
  swapfc start --mode zram+swapfile
  swapfc start --config /etc/swapfc/swapfc.yaml --keep-on-exit`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&startMode, "mode", "", "override global.mode (auto, zram+swapfile, zswap+swapfile, zram, swapfile, disabled)")
	startCmd.Flags().BoolVar(&startKeepOnExit, "keep-on-exit", false, "leave swap extents active on exit")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if startMode != "" {
		cfg.Global.Mode = startMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if startKeepOnExit {
		cfg.Global.KeepOnExit = true
	}

	logger := newLogger(cfg)
	d, err := newDaemon(cfg, logger, true)
	if err != nil {
		return err
	}

	zramAvailable := d.zramBackend().Available()
	p := resolveMode(cfg, zramAvailable, kernel.ZswapEnabled(cfg.Global.SysPath))
	logger.Info("starting swapfc", map[string]interface{}{
		"mode":      p.Mode,
		"zram":      p.RAM,
		"swapfile":  p.Disk,
		"zswap":     p.Zswap,
		"config":    path,
		"total_ram": d.totalRAM,
	})
	if p.Disabled || (!p.RAM && !p.Disk) {
		logger.Info("no pool enabled, nothing to do")
		return nil
	}
	if err := d.buildPools(p); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.run(ctx, path, p)

	if cfg.Global.KeepOnExit {
		logger.Info("leaving swap extents active")
		return err
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if relErr := d.releaseAll(releaseCtx); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// run starts every pool, the pressure sampler, the metrics server and the
// config watcher, and blocks until ctx is done.
func (d *daemon) run(ctx context.Context, path string, p plan) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.monitor.Run(ctx, func(s memmon.Snapshot) {
			d.logger.Debug("memory pressure", map[string]interface{}{
				"free_ram_percent":  s.FreeRAMPercent(),
				"free_swap_percent": s.FreeSwapPercentEffective(),
			})
		})
		return nil
	})

	g.Go(func() error {
		if err := d.collector.Start(); err != nil {
			d.logger.Error("metrics endpoint unavailable", map[string]interface{}{"error": err})
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := d.collector.Stop(stopCtx); err != nil {
			d.logger.Warn("metrics endpoint did not shut down cleanly", map[string]interface{}{"error": err})
		}
		return nil
	})

	if path != "" {
		g.Go(func() error {
			err := config.Watch(ctx, path, d.logger, func(cfg *config.Configuration) {
				d.applyConfig(cfg, p)
			})
			if err != nil {
				d.logger.Warn("configuration reload disabled", map[string]interface{}{"error": err})
			}
			return nil
		})
	}

	for _, ctrl := range d.pools {
		ctrl := ctrl
		g.Go(func() error {
			if err := ctrl.CreateInitialExtents(ctx); err != nil {
				fields := map[string]interface{}{"pool": ctrl.Name(), "error": err}
				if errors.IsUnavailable(err) {
					d.logger.Error("pool disabled for this session", fields)
					return nil
				}
				d.logger.Warn("pool started empty", fields)
			}
			return ctrl.RunMonitorLoop(ctx)
		})
	}

	return g.Wait()
}
