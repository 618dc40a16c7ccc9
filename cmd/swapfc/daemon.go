package main

import (
	"context"
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/swapfc/swapfc/internal/breadcrumb"
	"github.com/swapfc/swapfc/internal/circuit"
	"github.com/swapfc/swapfc/internal/config"
	"github.com/swapfc/swapfc/internal/kernel"
	"github.com/swapfc/swapfc/internal/metrics"
	"github.com/swapfc/swapfc/internal/pool"
	"github.com/swapfc/swapfc/internal/swapfile"
	"github.com/swapfc/swapfc/internal/zram"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/health"
	"github.com/swapfc/swapfc/pkg/memmon"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

// poolNames are the pools swapfc can run, in start order.
var poolNames = []string{"zram", "swapfile"}

// plan says which pools a mode runs.
type plan struct {
	Mode     string
	RAM      bool
	Disk     bool
	Zswap    bool
	Disabled bool
}

// resolveMode turns the configured mode into a plan. Auto prefers zram in
// front of swap files and falls back to swap files alone.
func resolveMode(cfg *config.Configuration, zramAvailable, zswapEnabled bool) plan {
	mode := cfg.Global.Mode
	if mode == config.ModeAuto {
		mode = config.ModeSwapfile
		if zramAvailable && cfg.Zram.Enabled {
			mode = config.ModeZramSwapfile
		} else if zswapEnabled {
			mode = config.ModeZswapSwapfile
		}
	}

	p := plan{Mode: mode}
	switch mode {
	case config.ModeZramSwapfile:
		p.RAM, p.Disk = true, true
	case config.ModeZswapSwapfile:
		p.Disk, p.Zswap = true, true
	case config.ModeZram:
		p.RAM = true
	case config.ModeSwapfile:
		p.Disk = true
		p.Zswap = zswapEnabled
	case config.ModeDisabled:
		p.Disabled = true
	}
	p.RAM = p.RAM && cfg.Zram.Enabled
	p.Disk = p.Disk && cfg.Swapfile.Enabled
	return p
}

// daemon holds everything the pools share.
type daemon struct {
	cfg       *config.Configuration
	logger    *utils.StructuredLogger
	monitor   *memmon.PressureMonitor
	health    *health.Tracker
	retryer   *retry.Retryer
	collector *metrics.Collector
	swapper   kernel.Swapper
	totalRAM  uint64

	pools []*pool.Controller
}

func newDaemon(cfg *config.Configuration, logger *utils.StructuredLogger, withMetrics bool) (*daemon, error) {
	mon := memmon.DefaultMonitorConfig()
	mon.ProcPath = cfg.Global.ProcPath
	mon.Logger = logger
	monitor := memmon.NewPressureMonitor(mon)

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.AddStateChangeCallback(func(component string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{"pool": component, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err
		}
		logger.Info("pool health changed", fields)
	})

	mc := metrics.DefaultConfig()
	mc.Enabled = withMetrics && cfg.Monitoring.Enabled
	mc.Address = cfg.Monitoring.Address
	mc.Path = cfg.Monitoring.MetricsPath
	collector, err := metrics.NewCollector(mc, logger)
	if err != nil {
		return nil, err
	}
	collector.SetHealth(tracker)
	if err := collector.RegisterPressureSource(memmon.Cached{Monitor: monitor}); err != nil {
		return nil, err
	}

	retries := retry.NewStatsCollector()
	if err := collector.RegisterRetryStats(retries); err != nil {
		return nil, err
	}
	retryer := retry.New(retryConfig(cfg)).
		WithStats(retries).
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Debug("device busy, retrying", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
				"error":   err,
			})
		})

	return &daemon{
		cfg:       cfg,
		logger:    logger,
		monitor:   monitor,
		health:    tracker,
		retryer:   retryer,
		collector: collector,
		swapper:   kernel.SyscallSwapper{},
		totalRAM:  monitor.TotalRAM(),
	}, nil
}

func retryConfig(cfg *config.Configuration) retry.Config {
	return retry.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    cfg.Retry.InitialDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          true,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeDeviceBusy},
	}
}

func (d *daemon) breaker(name string) *circuit.Breaker {
	cc := circuit.Config{
		MaxFailures: uint32(d.cfg.CircuitBreaker.MaxFailures),
		Timeout:     d.cfg.CircuitBreaker.Timeout,
		OnStateChange: func(name string, from, to circuit.State) {
			d.logger.Info("circuit breaker state changed", map[string]interface{}{
				"pool": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}
	if !d.cfg.CircuitBreaker.Enabled {
		cc.MaxFailures = math.MaxUint32
	}
	return circuit.New(name, cc)
}

func (d *daemon) zramBackend() *zram.Backend {
	return zram.NewBackend(zram.OptionsFromConfig(d.cfg, d.totalRAM), d.swapper, d.retryer, d.logger)
}

func (d *daemon) swapfileBackend() *swapfile.Backend {
	sys := d.cfg.Global.SysPath
	return swapfile.NewBackend(
		swapfile.OptionsFromConfig(d.cfg),
		d.swapper,
		kernel.NewSysLoopDevices(sys, "/dev"),
		kernel.HostFilesystem{ProcPath: d.cfg.Global.ProcPath},
		d.retryer,
		d.logger,
	)
}

func (d *daemon) ramPolicy(cfg *config.Configuration) pool.Policy {
	return pool.RAMPolicy(cfg, zram.DeviceSize(d.totalRAM, cfg.Zram.SizePercent))
}

func (d *daemon) addPool(backend types.Backend, policy pool.Policy) (*pool.Controller, error) {
	store, err := breadcrumb.NewStore(d.cfg.Global.WorkDir, backend.Name(), d.logger)
	if err != nil {
		return nil, err
	}
	ctrl, err := pool.NewController(pool.Options{
		Backend:  backend,
		Policy:   policy,
		Store:    store,
		Pressure: d.monitor,
		Swaps:    d.monitor,
		Health:   d.health,
		Breaker:  d.breaker(backend.Name()),
		Retryer:  d.retryer,
		Recorder: d.collector,
		Logger:   d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.pools = append(d.pools, ctrl)
	d.collector.RegisterPool(ctrl)
	return ctrl, nil
}

// buildPools creates the controllers the plan asks for.
func (d *daemon) buildPools(p plan) error {
	if p.RAM {
		if _, err := d.addPool(d.zramBackend(), d.ramPolicy(d.cfg)); err != nil {
			return err
		}
	}
	if p.Disk {
		if _, err := d.addPool(d.swapfileBackend(), pool.DiskPolicy(d.cfg, p.Zswap)); err != nil {
			return err
		}
	}
	return nil
}

// applyConfig hands a reloaded configuration to the running pools. Backend
// options such as paths and algorithms need a restart.
func (d *daemon) applyConfig(cfg *config.Configuration, p plan) {
	if level, err := utils.ParseLogLevel(cfg.Global.LogLevel); err == nil {
		d.logger.SetLevel(level)
	}
	for _, ctrl := range d.pools {
		switch ctrl.Name() {
		case "zram":
			ctrl.UpdatePolicy(d.ramPolicy(cfg))
		case "swapfile":
			ctrl.UpdatePolicy(pool.DiskPolicy(cfg, p.Zswap))
		}
	}
	d.cfg = cfg
}

// releaseAll tears every pool down, last started first.
func (d *daemon) releaseAll(ctx context.Context) error {
	var errs error
	for i := len(d.pools) - 1; i >= 0; i-- {
		if err := d.pools[i].ReleaseAll(ctx); err != nil {
			d.logger.Error("pool not fully released", map[string]interface{}{
				"pool":  d.pools[i].Name(),
				"error": err,
			})
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
