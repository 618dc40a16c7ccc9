/*
Package metrics exports pool statistics to Prometheus and serves the
daemon's HTTP endpoints.

# Overview

The Collector implements pool.Recorder: every controller publishes its
snapshot after each tick and counts expansions, contractions, failures and
kernel operation latency through it. Metrics live in a private registry so
tests can create any number of collectors.

	┌─────────────┐  ObserveStats / Inc*  ┌─────────────┐
	│ Controller  │ ────────────────────► │  Collector  │
	└─────────────┘                       └──────┬──────┘
	                                             │
	                           ┌─────────────────┴──────────────┐
	                           │                                │
	                    ┌──────▼───────┐              ┌─────────▼────────┐
	                    │  Prometheus  │              │  HTTP endpoints  │
	                    │   Registry   │              │  /metrics        │
	                    └──────────────┘              │  /health         │
	                                                  │  /status         │
	                                                  │  /debug/...      │
	                                                  └──────────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   "127.0.0.1:9469",
		Path:      "/metrics",
		Namespace: "swapfc",
	}, logger)
	if err != nil {
		return err
	}
	collector.SetHealth(tracker)
	collector.RegisterPool(ramPool)
	_ = collector.RegisterPressureSource(memmon.Cached{Monitor: monitor})
	_ = collector.RegisterRetryStats(retryStats)

	g.Go(collector.Start)
	g.Go(func() error {
		<-ctx.Done()
		return collector.Stop(context.Background())
	})

Start blocks until Stop shuts the server down.

# Prometheus Metrics

Gauges:
  - swapfc_pool_extents{pool}
  - swapfc_pool_draining_extents{pool}
  - swapfc_pool_capacity_bytes{pool}
  - swapfc_pool_used_bytes{pool}
  - swapfc_pool_utilization_percent{pool}
  - swapfc_pool_compression_ratio{pool}
  - swapfc_pool_cooldown_seconds{pool}
  - swapfc_free_ram_percent
  - swapfc_free_swap_percent{kind="raw"|"effective"}

Counters:
  - swapfc_pool_expansions_total{pool,trigger}
  - swapfc_pool_contractions_total{pool}
  - swapfc_pool_errors_total{pool,operation,code}
  - swapfc_retry_calls_total
  - swapfc_retry_failures_total
  - swapfc_retry_attempts_total

Histograms:
  - swapfc_pool_operation_duration_seconds{pool,operation}

# HTTP Endpoints

/health reports the overall pkg/health state and answers 503 when a pool is
unavailable:

	curl http://127.0.0.1:9469/health
	{"status":"healthy","service":"swapfc","components":{...}}

/status returns every registered pool's stats and extents as JSON.

/debug/operations prints the retryer's totals and a table of kernel
operations per pool. DELETE clears the table.

	Retries: 12 calls, 11 succeeded, 1 failed, 1.25 attempts on average (max 3), 1.4s waited

	Operation                   Count   Errors   Avg Duration   Max Duration    Last Op
	---------                   -----   ------   ------------   ------------    -------
	swapfile/create                 3        1          1.2s           2.9s   14:02:11
	zram/deactivate                 2        0         40ms           51ms   14:05:40
*/
package metrics
