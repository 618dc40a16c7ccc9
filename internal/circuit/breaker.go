// Package circuit stops a pool from hammering a failing kernel interface.
// After repeated unexpected failures the breaker opens and growth is skipped
// until the timeout elapses; one trial call is then let through.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/swapfc/swapfc/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every attempt through
	StateClosed State = iota
	// StateOpen rejects attempts until the timeout elapses
	StateOpen
	// StateHalfOpen lets a single trial call through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32 `yaml:"max_failures"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// OnStateChange is called after the breaker lock is released
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to any error except resource exhaustion and cancellation,
	// which say nothing about the kernel interface.
	IsFailure func(err error) bool `yaml:"-"`

	// Now is the clock; tests replace it
	Now func() time.Time `yaml:"-"`
}

// Counts holds the numbers of attempts and their outcomes
type Counts struct {
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastActivity        time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern for one pool
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	trial  bool
}

// New creates a new circuit breaker
func New(name string, config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.IsExhausted(err) &&
		!errors.HasCode(err, errors.ErrCodeOperationCanceled)
}

// Execute runs fn if the breaker allows it. A rejected call returns a
// CIRCUIT_OPEN error without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

// Allow reports whether an attempt would currently be let through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.config.Now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return !b.trial
	}
	return true
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	switch b.currentState(now) {
	case StateOpen:
		return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
			WithComponent(b.name).
			WithDetail("retry_at", b.expiry)
	case StateHalfOpen:
		if b.trial {
			return errors.NewError(errors.ErrCodeCircuitOpen, "trial call already in flight").
				WithComponent(b.name)
		}
		b.trial = true
	}

	b.counts.Requests++
	b.counts.LastActivity = now
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	now := b.config.Now()
	state := b.currentState(now)
	b.trial = false

	var from, to State
	changed := false
	if b.config.IsFailure(err) {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.config.MaxFailures {
			from, to, changed = state, StateOpen, state != StateOpen
			b.setState(StateOpen, now)
		}
	} else {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			from, to, changed = state, StateClosed, true
			b.setState(StateClosed, now)
		}
	}
	b.mu.Unlock()

	if changed && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.state = StateHalfOpen
		b.trial = false
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	b.state = state
	b.counts.ConsecutiveFailures = 0
	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	} else {
		b.expiry = time.Time{}
	}
}

// GetState returns the current state of the circuit breaker
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Now())
}

// GetCounts returns a copy of the current counts
func (b *Breaker) GetCounts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts = Counts{}
	b.trial = false
	b.setState(StateClosed, b.config.Now())
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}
