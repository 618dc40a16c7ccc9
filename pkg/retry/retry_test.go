package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/swapfc/swapfc/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func busy() error {
	return errors.NewError(errors.ErrCodeDeviceBusy, "swapoff /dev/zram3")
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_BusyDeviceIsRetried(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("detach loop: %w", busy())
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(5)).Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeResourceExhausted, "no space")
	})

	if !errors.IsExhausted(err) {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	_ = New(fastConfig(5)).Do(func() error {
		attempts++
		return stderr.New("plain")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	attempts := 0
	var callbacks int
	r := New(fastConfig(4)).WithOnRetry(func(int, error, time.Duration) { callbacks++ })

	err := r.Do(func() error {
		attempts++
		return busy()
	})

	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if callbacks != 3 {
		t.Errorf("Expected 3 OnRetry calls, got %d", callbacks)
	}
	if !errors.HasCode(err, errors.ErrCodeRetryExhausted) {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !errors.IsBusy(err) {
		t.Errorf("Exhausted error should still carry the busy cause, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(10)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := New(config).DoWithContext(ctx, func(context.Context) error { return busy() })

	if !errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt the backoff")
	}
}

func TestCalculateDelay(t *testing.T) {
	r := New(Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := r.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestStatsCollector(t *testing.T) {
	sc := NewStatsCollector()
	r := New(fastConfig(3)).WithStats(sc)

	_ = r.Do(func() error { return nil })
	n := 0
	_ = r.Do(func() error {
		n++
		if n < 2 {
			return busy()
		}
		return nil
	})
	_ = r.Do(busy)

	stats := sc.GetStats()
	if stats.Calls != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.TotalAttempts != 1+2+3 {
		t.Errorf("TotalAttempts = %d, want 6", stats.TotalAttempts)
	}
	if stats.MaxAttemptsUsed != 3 {
		t.Errorf("MaxAttemptsUsed = %d, want 3", stats.MaxAttemptsUsed)
	}
}
