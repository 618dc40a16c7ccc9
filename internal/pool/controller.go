// Package pool implements the adaptive controller that grows and shrinks one
// pool of swap extents. The controller is generic over types.Backend: the
// compressed-RAM and disk pools run the same decision loop with different
// policies.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/swapfc/swapfc/internal/circuit"
	"github.com/swapfc/swapfc/pkg/errors"
	"github.com/swapfc/swapfc/pkg/health"
	"github.com/swapfc/swapfc/pkg/recovery"
	"github.com/swapfc/swapfc/pkg/retry"
	"github.com/swapfc/swapfc/pkg/types"
	"github.com/swapfc/swapfc/pkg/utils"
)

// PressureSource returns the current host memory pressure.
type PressureSource interface {
	Pressure() types.Pressure
}

// Store persists breadcrumbs and the pool state snapshot.
type Store interface {
	recovery.RecordStore
	Exists(index int) bool
	SaveState(v interface{}) error
	Clear() error
}

// Options configures a Controller.
type Options struct {
	Backend  types.Backend
	Policy   Policy
	Store    Store
	Pressure PressureSource
	Swaps    recovery.SwapTable

	Health   *health.Tracker
	Breaker  *circuit.Breaker
	Retryer  *retry.Retryer
	Recorder Recorder
	Logger   *utils.StructuredLogger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Stats is a point-in-time summary of a pool.
type Stats struct {
	Pool               string           `json:"pool"`
	Kind               types.ExtentKind `json:"kind"`
	Extents            int              `json:"extents"`
	Draining           int              `json:"draining"`
	Releasing          int              `json:"releasing,omitempty"`
	Empty              int              `json:"empty"`
	CapacityBytes      uint64           `json:"capacity_bytes"`
	UsedBytes          uint64           `json:"used_bytes"`
	UtilizationPercent int              `json:"utilization_percent"`
	CompressionRatio   float64          `json:"compression_ratio,omitempty"`
	Signal             int              `json:"signal"`
	Pressure           types.Pressure   `json:"pressure"`
	Cooldown           time.Duration    `json:"cooldown"`
	Expansions         uint64           `json:"expansions"`
	Contractions       uint64           `json:"contractions"`
	Failures           uint64           `json:"failures"`
	Ticks              uint64           `json:"ticks"`
	Health             string           `json:"health"`
	ConsecutiveErrors  int              `json:"consecutive_errors,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	Circuit            string           `json:"circuit"`
	CircuitCounts      circuit.Counts   `json:"circuit_counts"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// State is the snapshot written to pool.json for the status command.
type State struct {
	Stats   Stats          `json:"stats"`
	Extents []types.Extent `json:"extents"`
}

// Controller owns the extents of one pool. Tick-path fields are touched only
// by the goroutine running RunMonitorLoop; accessors read a copy under mu.
type Controller struct {
	name     string
	backend  types.Backend
	store    Store
	pressure PressureSource
	swaps    recovery.SwapTable
	adopter  *recovery.Adopter
	health   *health.Tracker
	breaker  *circuit.Breaker
	retryer  *retry.Retryer
	recorder Recorder
	logger   *utils.StructuredLogger
	now      func() time.Time

	policyMu sync.Mutex
	pending  *Policy

	opMu             sync.Mutex
	policy           Policy
	planner          Planner
	extents          []types.Extent
	cooldown         time.Duration
	prevSignal       int
	lastCreation     time.Time
	lastContraction  time.Time
	lowPressureSince time.Time
	lastPressure     types.Pressure
	gateReason       string
	statsLog         rate.Sometimes

	expansions   atomic.Uint64
	contractions atomic.Uint64
	failures     atomic.Uint64
	ticks        atomic.Uint64

	mu       sync.RWMutex
	snapshot State
}

// NewController creates a controller. Backend, Store, Pressure and Swaps are
// required.
func NewController(opts Options) (*Controller, error) {
	if opts.Backend == nil || opts.Store == nil || opts.Pressure == nil || opts.Swaps == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pool requires backend, store, pressure and swap table").
			WithComponent("pool").WithOperation("new")
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Health == nil {
		opts.Health = health.NewTracker(health.DefaultConfig())
	}
	if opts.Breaker == nil {
		opts.Breaker = circuit.New(opts.Backend.Name(), circuit.Config{})
	}
	if opts.Retryer == nil {
		opts.Retryer = retry.New(retry.DefaultConfig())
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	name := opts.Backend.Name()
	logger := opts.Logger.WithComponent("pool").WithField("pool", name)
	opts.Health.RegisterComponent(name)

	c := &Controller{
		name:       name,
		backend:    opts.Backend,
		store:      opts.Store,
		pressure:   opts.Pressure,
		swaps:      opts.Swaps,
		adopter:    recovery.NewAdopter(opts.Backend, opts.Store, opts.Swaps, opts.Logger),
		health:     opts.Health,
		breaker:    opts.Breaker,
		retryer:    opts.Retryer,
		recorder:   opts.Recorder,
		logger:     logger,
		now:        opts.Now,
		prevSignal: 100,
	}
	c.setPolicy(opts.Policy)
	c.cooldown = opts.Policy.InitialCooldown
	return c, nil
}

// Name returns the pool name.
func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) setPolicy(p Policy) {
	c.policy = p
	c.planner = NewPlanner(p)
	interval := p.StatsLogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.statsLog = rate.Sometimes{Interval: interval}
	if c.cooldown > p.MaxCooldown {
		c.cooldown = p.MaxCooldown
	}
}

// UpdatePolicy replaces the policy at the start of the next tick.
func (c *Controller) UpdatePolicy(p Policy) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	c.pending = &p
}

func (c *Controller) applyPendingPolicy() {
	c.policyMu.Lock()
	pending := c.pending
	c.pending = nil
	c.policyMu.Unlock()

	if pending != nil {
		c.setPolicy(*pending)
		// Reloading closes the breaker so growth is retried at once.
		c.breaker.Reset()
		c.logger.Info("policy updated", map[string]interface{}{
			"min_count": pending.MinCount,
			"max_count": pending.MaxCount,
		})
	}
}

// CreateInitialExtents adopts what a previous run left behind, sheds empty
// surplus, sweeps stale artifacts and then creates extents up to the initial
// count. It fails only when the pool ends up empty although extents were
// wanted.
func (c *Controller) CreateInitialExtents(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	opCtx := context.WithoutCancel(ctx)
	p := c.policy

	if err := c.backend.Setup(opCtx); err != nil {
		c.health.RecordError(c.name, err)
		c.recorder.IncError(c.name, "setup", errors.CodeOf(err))
		return err
	}

	result, err := c.adopter.Adopt(opCtx)
	if err != nil {
		c.logger.Warn("adoption failed, starting with an empty pool", map[string]interface{}{
			"error": err,
		})
	} else {
		c.extents = result.Extents
	}

	swaps, swapErr := c.swaps.Swaps()
	if swapErr == nil {
		c.refreshUsage(swaps)
	}

	c.retryReleasing(opCtx)
	c.shedSurplus(opCtx, maxInt(p.MinCount, p.InitialCount))

	if sweeper, ok := c.backend.(types.Sweeper); ok && swapErr == nil {
		if n, err := sweeper.Sweep(opCtx, c.extents, swaps); err != nil {
			c.logger.Warn("sweep incomplete", map[string]interface{}{"removed": n, "error": err})
		} else if n > 0 {
			c.logger.Info("removed stale artifacts", map[string]interface{}{"removed": n})
		}
	}

	c.lastPressure = c.pressure.Pressure()
	var lastErr error
	for attempts := 0; len(c.extents) < p.InitialCount && attempts < 2*p.InitialCount; attempts++ {
		if err := c.expand(opCtx, TriggerInitial, types.Capacity{}); err != nil {
			lastErr = err
			if errors.IsExhausted(err) || errors.IsUnavailable(err) {
				break
			}
		}
	}

	c.publish(opCtx)

	if len(c.extents) == 0 && p.InitialCount > 0 {
		return errors.Wrap(lastErr, errors.ErrCodeResourceExhausted, "no initial extent could be created").
			WithComponent(c.name).WithOperation("create_initial")
	}
	c.logger.Info("pool ready", map[string]interface{}{
		"extents": len(c.extents),
		"adopted": len(result.Extents),
	})
	return nil
}

// Adopt takes over the extents a previous run left behind without setting
// up the backend or creating anything. It returns how many were adopted.
func (c *Controller) Adopt(ctx context.Context) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	opCtx := context.WithoutCancel(ctx)
	result, err := c.adopter.Adopt(opCtx)
	if err != nil {
		return 0, err
	}
	c.extents = result.Extents
	if swaps, err := c.swaps.Swaps(); err == nil {
		c.refreshUsage(swaps)
	}
	c.publish(opCtx)
	return len(c.extents), nil
}

// shedSurplus destroys empty adopted extents above keep, lowest priority first.
func (c *Controller) shedSurplus(ctx context.Context, keep int) {
	if len(c.extents) <= keep {
		return
	}

	order := append([]types.Extent(nil), c.extents...)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Priority != order[j].Priority {
			return order[i].Priority < order[j].Priority
		}
		return order[i].Index > order[j].Index
	})

	for _, ext := range order {
		if len(c.extents) <= keep {
			return
		}
		if !ext.IsEmpty() {
			continue
		}
		if err := c.destroy(ctx, ext); err != nil {
			c.logger.Warn("could not shed surplus extent", map[string]interface{}{
				"index": ext.Index,
				"error": err,
			})
			continue
		}
		c.logger.Info("shed surplus extent", map[string]interface{}{"index": ext.Index})
	}
}

// RunMonitorLoop ticks until ctx is cancelled. Each iteration sleeps first,
// then checks ctx, then runs one tick to completion.
func (c *Controller) RunMonitorLoop(ctx context.Context) error {
	c.logger.Info("monitor started", map[string]interface{}{
		"signal":     c.policy.Signal.String(),
		"min_count":  c.policy.MinCount,
		"max_count":  c.policy.MaxCount,
		"check_freq": c.policy.CheckInterval.String(),
	})

	timer := time.NewTimer(c.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("monitor stopped")
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			c.logger.Info("monitor stopped")
			return nil
		}

		c.tick(ctx)
		timer.Reset(c.pollInterval())
	}
}

func (c *Controller) pollInterval() time.Duration {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.policy.PollInterval(len(c.extents), c.lastPressure.FreeRAMPercent)
}

// tick runs one decision cycle: at most one expansion or one contraction.
func (c *Controller) tick(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	opCtx := context.WithoutCancel(ctx)
	c.applyPendingPolicy()
	p := c.policy
	now := c.now()
	n := c.ticks.Inc()

	pressure := c.pressure.Pressure()
	c.lastPressure = pressure

	swaps, err := c.swaps.Swaps()
	if err != nil {
		c.logger.Debug("swap table unavailable", map[string]interface{}{"error": err})
	} else {
		c.refreshUsage(swaps)
	}

	if m, ok := c.backend.(types.Maintainer); ok {
		m.Maintain(opCtx, c.extents, n)
	}

	capacity := c.describe(opCtx)
	signal := c.signal(p, pressure, capacity)

	if c.prevSignal-signal > cooldownResetDrop && c.cooldown != p.BaseCooldown {
		c.logger.Debug("pressure rising, cooldown reset", map[string]interface{}{
			"from": c.prevSignal,
			"to":   signal,
		})
		c.cooldown = p.BaseCooldown
	}
	c.prevSignal = signal

	if signal >= p.ContractAtOrAbove {
		if c.lowPressureSince.IsZero() {
			c.lowPressureSince = now
		}
	} else {
		c.lowPressureSince = time.Time{}
	}

	c.retryReleasing(opCtx)
	c.retryDraining(opCtx, p, now)

	if trigger, ok := c.expansionTrigger(p, pressure, capacity, signal, now); ok {
		c.logger.Info("expanding", map[string]interface{}{
			"trigger":  trigger,
			"signal":   signal,
			"free_ram": pressure.FreeRAMPercent,
			"extents":  len(c.extents),
			"cooldown": c.cooldown.String(),
		})
		_ = c.expand(opCtx, trigger, capacity)
	} else {
		c.maybeContract(opCtx, p, signal, now)
	}

	c.publish(opCtx)
	c.statsLog.Do(c.logStats)
}

// refreshUsage copies used bytes and priority from the swap table.
func (c *Controller) refreshUsage(swaps []types.SwapEntry) {
	byName := make(map[string]types.SwapEntry, len(swaps))
	for _, s := range swaps {
		byName[s.Filename] = s
	}
	for i := range c.extents {
		if s, ok := byName[c.extents[i].KernelHandle]; ok {
			c.extents[i].UsedBytes = s.Used
			c.extents[i].Priority = s.Priority
		}
	}
}

func (c *Controller) describe(ctx context.Context) types.Capacity {
	capacity, err := c.backend.DescribeCapacity(ctx, c.extents)
	if err == nil {
		return capacity
	}

	c.logger.Debug("capacity unavailable, using swap table", map[string]interface{}{"error": err})
	capacity = types.Capacity{}
	for _, ext := range c.extents {
		if ext.State == types.StateReleasing {
			continue
		}
		capacity.TotalBytes += ext.CapacityBytes
		capacity.UsedBytes += ext.UsedBytes
	}
	if capacity.TotalBytes > 0 {
		capacity.UtilizationPercent = int(capacity.UsedBytes * 100 / capacity.TotalBytes)
	}
	return capacity
}

func (c *Controller) signal(p Policy, pressure types.Pressure, capacity types.Capacity) int {
	if p.Signal == SignalPoolFree {
		return capacity.FreePercent()
	}
	return pressure.FreeSwapPercentEffective
}

func (c *Controller) expansionTrigger(p Policy, pressure types.Pressure, capacity types.Capacity, signal int, now time.Time) (string, bool) {
	count := live(c.extents)
	if count >= p.MaxCount || c.draining() > 0 {
		return "", false
	}
	if !c.health.CanExpand(c.name) || !c.breaker.Allow() {
		return "", false
	}

	sinceCreation := time.Duration(1<<63 - 1)
	if !c.lastCreation.IsZero() {
		sinceCreation = now.Sub(c.lastCreation)
	}

	if count < p.MinCount && sinceCreation >= p.EmergencyCooldown {
		return TriggerReplenish, true
	}

	empty := c.empty()
	if empty >= emptyExtentLimit {
		return "", false
	}

	if !c.gateAllows(capacity, pressure.FreeRAMPercent) {
		return "", false
	}

	if p.EmergencyRAMFloor > 0 &&
		pressure.FreeRAMPercent < p.EmergencyRAMFloor &&
		pressure.FreeSwapPercentRaw < p.EmergencySwapCeiling &&
		sinceCreation >= p.EmergencyCooldown {
		return TriggerEmergency, true
	}

	below := signal <= p.ExpandAtOrBelow
	if count == 0 && p.ZeroExtentFreeRAM > 0 {
		below = pressure.FreeRAMPercent < p.ZeroExtentFreeRAM
	}
	if !below || sinceCreation < c.cooldown {
		return "", false
	}

	if count > 0 && c.allStressed() {
		return TriggerStress, true
	}
	return TriggerNormal, true
}

// gateAllows consults the backend's own expansion veto, logging a refusal
// once per distinct reason.
func (c *Controller) gateAllows(capacity types.Capacity, freeRAM int) bool {
	gate, ok := c.backend.(types.ExpansionGate)
	if !ok {
		return true
	}
	allowed, reason := gate.AllowExpansion(capacity, freeRAM)
	if allowed {
		c.gateReason = ""
		return true
	}
	if reason != c.gateReason {
		c.gateReason = reason
		c.logger.Info("expansion skipped", map[string]interface{}{"reason": reason})
	}
	return false
}

// expand creates one extent and records it durably before returning.
func (c *Controller) expand(ctx context.Context, trigger string, capacity types.Capacity) error {
	p := c.policy
	req := types.CreateRequest{
		Index:         c.nextIndex(),
		CapacityBytes: p.SizeFor(live(c.extents)+1, capacity.UtilizationPercent),
		PoolSize:      live(c.extents),
	}

	start := c.now()
	var ext types.Extent
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ext, err = c.backend.Create(ctx, req)
		return err
	})
	c.recorder.ObserveOperation(c.name, "create", c.now().Sub(start))
	if err != nil {
		c.handleFailure("create", err, map[string]interface{}{
			"index": req.Index,
			"size":  utils.FormatBytes(req.CapacityBytes),
		})
		return err
	}

	if err := c.store.Save(ext.Record()); err != nil {
		c.logger.Warn("breadcrumb write failed, rolling back extent", map[string]interface{}{
			"index": ext.Index,
			"error": err,
		})
		c.failures.Inc()
		c.recorder.IncError(c.name, "breadcrumb", errors.CodeOf(err))
		c.teardown(ctx, ext)
		return err
	}

	c.extents = append(c.extents, ext)
	sort.Slice(c.extents, func(i, j int) bool { return c.extents[i].Index < c.extents[j].Index })
	c.lastCreation = c.now()

	if trigger == TriggerNormal {
		c.cooldown *= 2
		if c.cooldown <= 0 {
			c.cooldown = p.BaseCooldown
		}
		if c.cooldown > p.MaxCooldown {
			c.cooldown = p.MaxCooldown
		}
	} else if trigger != TriggerInitial {
		c.cooldown = p.BaseCooldown
	}

	c.expansions.Inc()
	c.recorder.IncExpansion(c.name, trigger)
	if c.health.RecordSuccess(c.name) {
		c.logger.Info("pool recovered")
	}
	c.logger.Info("extent created", map[string]interface{}{
		"index":   ext.Index,
		"handle":  ext.KernelHandle,
		"size":    utils.FormatBytes(ext.CapacityBytes),
		"trigger": trigger,
		"extents": len(c.extents),
	})
	return nil
}

// teardown best-effort destroys an extent that never made it into the pool.
func (c *Controller) teardown(ctx context.Context, ext types.Extent) {
	err := multierr.Append(
		c.backend.Deactivate(ctx, ext),
		c.backend.Release(ctx, ext),
	)
	if err != nil {
		c.logger.Warn("rollback incomplete", map[string]interface{}{
			"index": ext.Index,
			"error": err,
		})
	}
}

// handleFailure classifies err for health, metrics and logging. Expected
// backpressure is logged once per episode.
func (c *Controller) handleFailure(operation string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["operation"] = operation
	fields["error"] = err

	if errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		c.logger.Debug("operation skipped", fields)
		return
	}

	c.failures.Inc()
	c.recorder.IncError(c.name, operation, errors.CodeOf(err))
	changed := c.health.RecordError(c.name, err)

	switch {
	case errors.IsExhausted(err):
		if changed {
			c.logger.Info("holding: not enough resources to grow", fields)
		}
	case errors.IsUnavailable(err):
		if changed {
			c.logger.Warn("kernel interface unavailable, pool disabled", fields)
		}
	default:
		c.logger.Warn("operation failed", fields)
	}
}

// nextIndex returns the lowest index used by no live extent and no breadcrumb.
func (c *Controller) nextIndex() int {
	used := make(map[int]bool, len(c.extents))
	for _, ext := range c.extents {
		used[ext.Index] = true
	}
	for i := 1; ; i++ {
		if !used[i] && !c.store.Exists(i) {
			return i
		}
	}
}

func (c *Controller) maybeContract(ctx context.Context, p Policy, signal int, now time.Time) {
	if live(c.extents) <= p.MinCount || c.draining() > 0 {
		return
	}
	if !c.health.CanContract(c.name) {
		return
	}
	if !c.lastCreation.IsZero() && now.Sub(c.lastCreation) < p.RemovalCooldown {
		return
	}
	if !c.lastContraction.IsZero() && now.Sub(c.lastContraction) < p.ContractInterval {
		return
	}
	if signal < p.ContractAtOrAbove || c.lowPressureSince.IsZero() ||
		now.Sub(c.lowPressureSince) < p.ContractStability {
		return
	}
	if p.ReserveEmpty > 0 && c.empty() <= p.ReserveEmpty {
		return
	}

	candidate, ok := c.planner.Candidate(c.extents)
	if !ok {
		return
	}

	c.logger.Info("contracting", map[string]interface{}{
		"index":  candidate.Index,
		"usage":  candidate.UsagePercent(),
		"signal": signal,
	})

	if candidate.Kind == types.KindCompressedRAM {
		i := c.position(candidate.Index)
		c.extents[i].State = types.StateDraining
		c.extents[i].DrainAttempts = 0
		c.tryDrain(ctx, i, now)
		return
	}

	c.lastContraction = now
	if err := c.destroy(ctx, candidate); err != nil {
		c.handleFailure("destroy", err, map[string]interface{}{"index": candidate.Index})
	}
}

// retryDraining makes one more deactivation attempt for a Draining extent,
// or returns it to Active once the attempts are used up.
func (c *Controller) retryDraining(ctx context.Context, p Policy, now time.Time) {
	for i := 0; i < len(c.extents); i++ {
		if c.extents[i].State != types.StateDraining {
			continue
		}
		if c.extents[i].DrainAttempts >= p.MaxDrainAttempts {
			c.logger.Warn("extent did not drain, contraction abandoned", map[string]interface{}{
				"index":    c.extents[i].Index,
				"attempts": c.extents[i].DrainAttempts,
			})
			c.extents[i].State = types.StateActive
			c.extents[i].DrainAttempts = 0
			c.lastContraction = now
			continue
		}
		if c.tryDrain(ctx, i, now) {
			i--
		}
	}
}

// tryDrain attempts to finish removing the Draining extent at position i.
// It reports whether the extent left the pool.
func (c *Controller) tryDrain(ctx context.Context, i int, now time.Time) bool {
	ext := c.extents[i]
	start := c.now()
	err := c.backend.Deactivate(ctx, ext)
	c.recorder.ObserveOperation(c.name, "deactivate", c.now().Sub(start))
	if err != nil {
		c.extents[i].DrainAttempts++
		c.logger.Info("extent still draining", map[string]interface{}{
			"index":    ext.Index,
			"attempts": c.extents[i].DrainAttempts,
			"error":    err,
		})
		return false
	}

	c.lastContraction = now
	if err := c.finish(ctx, ext); err != nil {
		c.handleFailure("release", err, map[string]interface{}{"index": ext.Index})
		return false
	}
	return true
}

// retryReleasing finishes extents whose release failed earlier. They are
// already off swap.
func (c *Controller) retryReleasing(ctx context.Context) {
	for _, ext := range append([]types.Extent(nil), c.extents...) {
		if ext.State != types.StateReleasing {
			continue
		}
		if err := c.finish(ctx, ext); err != nil {
			c.logger.Debug("release still failing", map[string]interface{}{
				"index":  ext.Index,
				"handle": ext.KernelHandle,
				"error":  err,
			})
		}
	}
}

// destroy removes an extent synchronously: deactivate, release, forget.
func (c *Controller) destroy(ctx context.Context, ext types.Extent) error {
	if ext.State == types.StateReleasing {
		return c.finish(ctx, ext)
	}
	start := c.now()
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return c.backend.Deactivate(ctx, ext)
	})
	c.recorder.ObserveOperation(c.name, "deactivate", c.now().Sub(start))
	if err != nil {
		return err
	}
	return c.finish(ctx, ext)
}

// finish releases a deactivated extent and drops it from the pool. When
// release fails the extent stays as Releasing, keeping its index and
// breadcrumb, and later ticks try again.
func (c *Controller) finish(ctx context.Context, ext types.Extent) error {
	start := c.now()
	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return c.backend.Release(ctx, ext)
	})
	c.recorder.ObserveOperation(c.name, "release", c.now().Sub(start))

	i := c.position(ext.Index)
	if err != nil {
		if i >= 0 && c.extents[i].State != types.StateReleasing {
			c.extents[i].State = types.StateReleasing
			c.extents[i].UsedBytes = 0
			c.extents[i].DrainAttempts = 0
			c.logger.Warn("extent is off swap but could not be released", map[string]interface{}{
				"index":  ext.Index,
				"handle": ext.KernelHandle,
				"error":  err,
			})
		}
		return err
	}
	if i >= 0 {
		c.extents = append(c.extents[:i], c.extents[i+1:]...)
	}

	c.contractions.Inc()
	c.recorder.IncContraction(c.name)
	if err := c.store.Remove(ext.Index); err != nil {
		return err
	}
	c.logger.Info("extent removed", map[string]interface{}{
		"index":   ext.Index,
		"handle":  ext.KernelHandle,
		"extents": len(c.extents),
	})
	return nil
}

// ReleaseAll destroys every extent and deletes the pool's persisted state.
// Busy devices are retried; every failure is reported in the returned error.
func (c *Controller) ReleaseAll(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var errs error
	for i := len(c.extents) - 1; i >= 0; i-- {
		ext := c.extents[i]
		if err := c.destroy(ctx, ext); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("extent %d (%s): %w", ext.Index, ext.KernelHandle, err))
		}
	}

	if len(c.extents) == 0 && errs == nil {
		errs = multierr.Append(errs, c.store.Clear())
	}
	c.publish(ctx)

	if errs != nil {
		c.logger.Warn("release incomplete", map[string]interface{}{
			"remaining": len(c.extents),
			"error":     errs,
		})
		return errs
	}
	c.logger.Info("all extents released")
	return nil
}

func (c *Controller) position(index int) int {
	for i, ext := range c.extents {
		if ext.Index == index {
			return i
		}
	}
	return -1
}

func (c *Controller) empty() int {
	n := 0
	for _, ext := range c.extents {
		if ext.State == types.StateActive && ext.IsEmpty() {
			n++
		}
	}
	return n
}

func (c *Controller) draining() int {
	n := 0
	for _, ext := range c.extents {
		if ext.State == types.StateDraining {
			n++
		}
	}
	return n
}

func (c *Controller) allStressed() bool {
	if live(c.extents) == 0 {
		return false
	}
	for _, ext := range c.extents {
		if ext.State == types.StateReleasing {
			continue
		}
		if ext.UsagePercent() < stressUsage {
			return false
		}
	}
	return true
}

// publish refreshes the snapshot served by Stats and Extents, exports it and
// writes pool.json.
func (c *Controller) publish(ctx context.Context) {
	capacity := c.describe(ctx)
	stats := Stats{
		Pool:               c.name,
		Kind:               c.backend.Kind(),
		Extents:            len(c.extents),
		Draining:           c.draining(),
		Releasing:          len(c.extents) - live(c.extents),
		Empty:              c.empty(),
		CapacityBytes:      capacity.TotalBytes,
		UsedBytes:          capacity.UsedBytes,
		UtilizationPercent: capacity.UtilizationPercent,
		CompressionRatio:   capacity.CompressionRatio,
		Signal:             c.prevSignal,
		Pressure:           c.lastPressure,
		Cooldown:           c.cooldown,
		Expansions:         c.expansions.Load(),
		Contractions:       c.contractions.Load(),
		Failures:           c.failures.Load(),
		Ticks:              c.ticks.Load(),
		Health:             c.health.GetState(c.name).String(),
		Circuit:            c.breaker.GetState().String(),
		CircuitCounts:      c.breaker.GetCounts(),
		UpdatedAt:          c.now(),
	}
	if ch, err := c.health.GetComponentHealth(c.name); err == nil {
		stats.ConsecutiveErrors = ch.ConsecutiveErrors
		stats.LastError = ch.LastErrorMessage
	}
	state := State{Stats: stats, Extents: append([]types.Extent(nil), c.extents...)}

	c.mu.Lock()
	c.snapshot = state
	c.mu.Unlock()

	c.recorder.ObserveStats(stats)
	if len(c.extents) > 0 {
		if err := c.store.SaveState(state); err != nil {
			c.logger.Debug("state snapshot not written", map[string]interface{}{"error": err})
		}
	}
}

func (c *Controller) logStats() {
	s := c.Stats()
	fields := map[string]interface{}{
		"extents":  s.Extents,
		"capacity": utils.FormatBytes(s.CapacityBytes),
		"used":     utils.FormatBytes(s.UsedBytes),
		"util":     s.UtilizationPercent,
		"signal":   s.Signal,
		"free_ram": s.Pressure.FreeRAMPercent,
		"cooldown": s.Cooldown.String(),
		"health":   s.Health,
	}
	if s.LastError != "" {
		fields["last_error"] = s.LastError
	}
	if s.CompressionRatio > 0 {
		fields["ratio"] = fmt.Sprintf("%.2f", s.CompressionRatio)
	}
	c.logger.Info("pool stats", fields)
}

// Stats returns the most recent pool summary.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Stats
}

// Extents returns a copy of the pool's extents as of the last tick.
func (c *Controller) Extents() []types.Extent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.Extent(nil), c.snapshot.Extents...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
