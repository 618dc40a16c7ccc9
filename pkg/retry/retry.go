// Package retry re-runs kernel operations that fail because a device is
// transiently busy, with bounded exponential backoff.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/swapfc/swapfc/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads delays by up to ±20%
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists additional codes to retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig retries busy devices five times within a few seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeDeviceBusy},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
	stats  *StatsCollector
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// WithStats returns a Retryer that records every call in sc.
func (r *Retryer) WithStats(sc *StatsCollector) *Retryer {
	return &Retryer{config: r.config, stats: sc}
}

// Do executes fn with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, fails with a non-retryable
// error, exhausts MaxAttempts, or ctx is done.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	var waited time.Duration

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			r.record(attempt-1, false, waited)
			return errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation canceled")
		}

		err := fn(ctx)
		if err == nil {
			r.record(attempt, true, waited)
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			r.record(attempt, false, waited)
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.record(attempt, false, waited)
				return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "operation canceled").
					WithDetail("attempts", attempt)
			case <-timer.C:
				waited += delay
			}
		}
	}

	r.record(r.config.MaxAttempts, false, waited)
	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted, "max retry attempts exceeded").
		WithDetail("attempts", r.config.MaxAttempts)
}

func (r *Retryer) record(attempts int, success bool, delay time.Duration) {
	if r.stats != nil {
		r.stats.RecordAttempt(attempts, success, delay)
	}
}

// shouldRetry reports whether err is a retryable *SwapFCError.
func (r *Retryer) shouldRetry(err error) bool {
	var sfe *errors.SwapFCError
	if !stderr.As(err, &sfe) {
		return false
	}
	if sfe.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if sfe.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return &Retryer{config: newConfig, stats: r.stats}
}

// Stats tracks retry statistics
type Stats struct {
	Calls           int           `json:"calls"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	TotalAttempts   int           `json:"total_attempts"`
	AverageAttempts float64       `json:"average_attempts"`
	TotalDelay      time.Duration `json:"total_delay"`
	MaxAttemptsUsed int           `json:"max_attempts_used"`
}

// StatsCollector accumulates retry statistics across calls.
type StatsCollector struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordAttempt records one completed call that took attempts tries.
func (sc *StatsCollector) RecordAttempt(attempts int, success bool, delay time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Calls++
	sc.stats.TotalAttempts += attempts
	if success {
		sc.stats.Succeeded++
	} else {
		sc.stats.Failed++
	}
	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
	sc.stats.AverageAttempts = float64(sc.stats.TotalAttempts) / float64(sc.stats.Calls)
}

// GetStats returns current statistics
func (sc *StatsCollector) GetStats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stats
}
