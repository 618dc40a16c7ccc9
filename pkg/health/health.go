// Package health tracks per-pool health so that expected backpressure is
// logged once per episode and a missing kernel interface disables a pool.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/swapfc/swapfc/pkg/errors"
)

// HealthState represents the health state of a pool
type HealthState int

const (
	// StateHealthy indicates the pool is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated unexpected failures
	StateDegraded

	// StateHolding indicates growth is blocked by exhausted disk or memory;
	// it is retried every tick and clears on the next success
	StateHolding

	// StateUnavailable indicates the kernel interface is missing; the pool
	// is disabled for the session
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateHolding:
		return "holding"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of one pool
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	StateName         string      `json:"state_name"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before degraded.
	// Failures alone never make a pool unavailable; the circuit breaker
	// paces the retries.
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold: 3,
	}
}

// Tracker tracks the health of every pool
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			StateName:       StateHealthy.String(),
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess marks component healthy. It returns true when this changed
// the state.
func (t *Tracker) RecordSuccess(component string) bool {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return false
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors = 0
	health.LastErrorMessage = ""
	changed := oldState != StateHealthy
	if changed {
		t.transitionState(health, StateHealthy)
	}
	t.mu.Unlock()

	if changed {
		t.notifyStateChange(component, oldState, StateHealthy, nil)
	}
	return changed
}

// RecordError classifies err and updates component. It returns true when
// this changed the state; callers use it to log a condition once.
func (t *Tracker) RecordError(component string, err error) bool {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return false
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	var newState HealthState
	switch {
	case errors.IsUnavailable(err):
		newState = StateUnavailable
	case errors.IsExhausted(err):
		newState = StateHolding
	default:
		health.ConsecutiveErrors++
		switch {
		case oldState == StateUnavailable:
			newState = oldState
		case health.ConsecutiveErrors >= t.config.ErrorThreshold:
			newState = StateDegraded
		default:
			newState = oldState
			if oldState == StateHolding {
				newState = StateHealthy
			}
		}
	}

	changed := newState != oldState
	if changed {
		t.transitionState(health, newState)
	}
	t.mu.Unlock()

	if changed {
		t.notifyStateChange(component, oldState, newState, err)
	}
	return changed
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health record for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *health, nil
}

// GetAllComponents returns copies of every health record
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = *health
	}
	return result
}

// GetOverallHealth returns the worst component state. Holding is reported
// as degraded overall: the daemon is doing what it can.
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		state := health.State
		if state == StateHolding {
			state = StateDegraded
		}
		if state > overall {
			overall = state
		}
	}
	return overall
}

// CanExpand reports whether the pool should attempt growth.
func (t *Tracker) CanExpand(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanContract reports whether the pool may retire extents. Retirement only
// ever frees resources, so only a missing kernel interface prevents it.
func (t *Tracker) CanContract(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// AddStateChangeCallback registers a callback for every state change
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}

func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.StateName = newState.String()
	health.LastStateChange = time.Now()
}

func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()

	for _, callback := range callbacks {
		callback(component, oldState, newState, err)
	}
}
