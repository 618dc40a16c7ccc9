package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/swapfc/swapfc/internal/pool"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/health"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

var _ pool.Recorder = (*Collector)(nil)

// PoolSource exposes a pool's snapshot for /status.
type PoolSource interface {
	Name() string
	Stats() pool.Stats
	Extents() []types.Extent
}

// PressureSource reports host memory pressure.
type PressureSource interface {
	Pressure() types.Pressure
}

// RetryStatsSource reports totals of the shared retryer.
type RetryStatsSource interface {
	GetStats() retry.Stats
}

// Collector implements pool.Recorder on a private Prometheus registry and
// serves it together with health and status endpoints.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	extents          *prometheus.GaugeVec
	draining         *prometheus.GaugeVec
	capacityBytes    *prometheus.GaugeVec
	usedBytes        *prometheus.GaugeVec
	utilization      *prometheus.GaugeVec
	compressionRatio *prometheus.GaugeVec
	cooldown         *prometheus.GaugeVec
	expansions       *prometheus.CounterVec
	contractions     *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec

	// Internal tracking
	operations map[string]*OperationMetrics
	pools      map[string]PoolSource
	health     *health.Tracker
	retries    RetryStatsSource
	lastReset  time.Time

	server  *server
	stopped bool
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig serves on the loopback interface only.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Address:   "127.0.0.1:9469",
		Path:      "/metrics",
		Namespace: "swapfc",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks one pool operation for /debug/operations
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "swapfc"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		pools:      make(map[string]PoolSource),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics")
	}
	return c, nil
}

// Registry returns the collector's registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterPool makes a pool visible on /status.
func (c *Collector) RegisterPool(src PoolSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[src.Name()] = src
}

// SetHealth attaches the tracker reported on /health.
func (c *Collector) SetHealth(t *health.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = t
}

// RegisterPressureSource exports host memory pressure as gauges read on
// every scrape.
func (c *Collector) RegisterPressureSource(src PressureSource) error {
	if !c.config.Enabled {
		return nil
	}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(c.opts("free_ram_percent", "Available RAM as a percentage of total RAM"),
			func() float64 { return float64(src.Pressure().FreeRAMPercent) }),
		prometheus.NewGaugeFunc(c.withLabel("free_swap_percent", "Free swap as a percentage of total swap", "kind", "raw"),
			func() float64 { return float64(src.Pressure().FreeSwapPercentRaw) }),
		prometheus.NewGaugeFunc(c.withLabel("free_swap_percent", "Free swap as a percentage of total swap", "kind", "effective"),
			func() float64 { return float64(src.Pressure().FreeSwapPercentEffective) }),
	}
	for _, g := range gauges {
		if err := c.registry.Register(g); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to register pressure gauge").
				WithComponent("metrics")
		}
	}
	return nil
}

// RegisterRetryStats exports the retryer's totals as counters and adds them
// to /debug/operations.
func (c *Collector) RegisterRetryStats(src RetryStatsSource) error {
	c.mu.Lock()
	c.retries = src
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	counter := func(name, help string, value func(retry.Stats) int) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}, func() float64 { return float64(value(src.GetStats())) })
	}
	counters := []prometheus.Collector{
		counter("retry_calls_total", "Kernel operations run through the retryer",
			func(s retry.Stats) int { return s.Calls }),
		counter("retry_failures_total", "Kernel operations that failed after retrying",
			func(s retry.Stats) int { return s.Failed }),
		counter("retry_attempts_total", "Attempts made by the retryer, first tries included",
			func(s retry.Stats) int { return s.TotalAttempts }),
	}
	for _, m := range counters {
		if err := c.registry.Register(m); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to register retry counter").
				WithComponent("metrics")
		}
	}
	return nil
}

// ObserveStats publishes a pool snapshot.
func (c *Collector) ObserveStats(s pool.Stats) {
	if !c.config.Enabled {
		return
	}
	labels := prometheus.Labels{"pool": s.Pool}
	c.extents.With(labels).Set(float64(s.Extents))
	c.draining.With(labels).Set(float64(s.Draining))
	c.capacityBytes.With(labels).Set(float64(s.CapacityBytes))
	c.usedBytes.With(labels).Set(float64(s.UsedBytes))
	c.utilization.With(labels).Set(float64(s.UtilizationPercent))
	c.compressionRatio.With(labels).Set(s.CompressionRatio)
	c.cooldown.With(labels).Set(s.Cooldown.Seconds())
}

// IncExpansion counts one extent created by trigger.
func (c *Collector) IncExpansion(poolName, trigger string) {
	if !c.config.Enabled {
		return
	}
	c.expansions.With(prometheus.Labels{"pool": poolName, "trigger": trigger}).Inc()
}

// IncContraction counts one extent retired.
func (c *Collector) IncContraction(poolName string) {
	if !c.config.Enabled {
		return
	}
	c.contractions.With(prometheus.Labels{"pool": poolName}).Inc()
}

// IncError counts a failed operation by error code.
func (c *Collector) IncError(poolName, operation string, code errors.ErrorCode) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"pool":      poolName,
		"operation": operation,
		"code":      string(code),
	}).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.operation(poolName, operation).Errors++
}

// ObserveOperation records how long a kernel operation took.
func (c *Collector) ObserveOperation(poolName, operation string, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.opDuration.With(prometheus.Labels{"pool": poolName, "operation": operation}).Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.operation(poolName, operation)
	m.Count++
	m.TotalDuration += d
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	m.LastOperation = time.Now()
}

func (c *Collector) operation(poolName, operation string) *OperationMetrics {
	key := poolName + "/" + operation
	m, ok := c.operations[key]
	if !ok {
		m = &OperationMetrics{}
		c.operations[key] = m
	}
	return m
}

// GetOperations returns a copy of the per-operation tracking keyed by
// "pool/operation".
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetOperations clears the per-operation tracking. Prometheus counters
// are left alone.
func (c *Collector) ResetOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// PoolStatus is one pool on /status.
type PoolStatus struct {
	Stats   pool.Stats     `json:"stats"`
	Extents []types.Extent `json:"extents"`
}

// Status snapshots every registered pool, sorted by name.
func (c *Collector) Status() []PoolStatus {
	c.mu.RLock()
	sources := make([]PoolSource, 0, len(c.pools))
	for _, src := range c.pools {
		sources = append(sources, src)
	}
	c.mu.RUnlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })
	out := make([]PoolStatus, 0, len(sources))
	for _, src := range sources {
		out = append(out, PoolStatus{Stats: src.Stats(), Extents: src.Extents()})
	}
	return out
}

// Start serves the endpoints until Stop is called. Start after Stop
// returns at once.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}
	srv, err := newServer(c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return srv.listener.Close()
	}
	c.server = srv
	c.mu.Unlock()
	return srv.serve()
}

// Stop shuts the HTTP server down, waiting for in-flight requests until ctx
// is done.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	srv := c.server
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.shutdown(ctx)
}

func (c *Collector) opts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}
}

func (c *Collector) withLabel(name, help, key, value string) prometheus.GaugeOpts {
	o := c.opts(name, help)
	labels := prometheus.Labels{key: value}
	for k, v := range c.config.Labels {
		labels[k] = v
	}
	o.ConstLabels = labels
	return o
}

func (c *Collector) poolGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(c.opts(name, help), []string{"pool"})
}

func (c *Collector) initMetrics() {
	c.extents = c.poolGauge("pool_extents", "Number of extents in the pool")
	c.draining = c.poolGauge("pool_draining_extents", "Number of extents being drained")
	c.capacityBytes = c.poolGauge("pool_capacity_bytes", "Total capacity of the pool in bytes")
	c.usedBytes = c.poolGauge("pool_used_bytes", "Bytes swapped to the pool")
	c.utilization = c.poolGauge("pool_utilization_percent", "Used capacity as a percentage")
	c.compressionRatio = c.poolGauge("pool_compression_ratio", "Uncompressed over compressed size")
	c.cooldown = c.poolGauge("pool_cooldown_seconds", "Current expansion cooldown")

	c.expansions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_expansions_total",
			Help:        "Extents created, by trigger",
			ConstLabels: c.config.Labels,
		},
		[]string{"pool", "trigger"},
	)

	c.contractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_contractions_total",
			Help:        "Extents retired",
			ConstLabels: c.config.Labels,
		},
		[]string{"pool"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_errors_total",
			Help:        "Failed pool operations, by error code",
			ConstLabels: c.config.Labels,
		},
		[]string{"pool", "operation", "code"},
	)

	c.opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_operation_duration_seconds",
			Help:        "Duration of kernel operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: c.config.Labels,
		},
		[]string{"pool", "operation"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.extents,
		c.draining,
		c.capacityBytes,
		c.usedBytes,
		c.utilization,
		c.compressionRatio,
		c.cooldown,
		c.expansions,
		c.contractions,
		c.errorCounter,
		c.opDuration,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
