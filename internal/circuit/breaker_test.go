package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapfc/swapfc/pkg/errors"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("disk", Config{MaxFailures: 3, Timeout: time.Minute, Now: clock.Now})
}

func fail(context.Context) error    { return fmt.Errorf("swapon failed") }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateClosed, b.GetState())

	assert.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.GetState())
	assert.False(t, b.Allow())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.GetState())
	counts := b.GetCounts()
	assert.Equal(t, uint32(5), counts.Requests)
	assert.Equal(t, uint32(4), counts.TotalFailures)
	assert.Equal(t, uint32(2), counts.ConsecutiveFailures)
}

func TestBreaker_ExhaustionDoesNotTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	exhausted := func(context.Context) error {
		return errors.NewError(errors.ErrCodeResourceExhausted, "no space left")
	}

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), exhausted)
	}
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func(context.Context) error
		want  State
	}{
		{name: "trial succeeds", trial: succeed, want: StateClosed},
		{name: "trial fails", trial: fail, want: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1000, 0)}
			var transitions []string
			b := New("ram", Config{
				MaxFailures: 1,
				Timeout:     time.Minute,
				Now:         clock.Now,
				OnStateChange: func(name string, from, to State) {
					transitions = append(transitions, from.String()+"->"+to.String())
				},
			})
			ctx := context.Background()

			_ = b.Execute(ctx, fail)
			require.Equal(t, StateOpen, b.GetState())

			clock.Advance(time.Minute)
			assert.Equal(t, StateHalfOpen, b.GetState())
			assert.True(t, b.Allow())

			_ = b.Execute(ctx, tt.trial)
			assert.Equal(t, tt.want, b.GetState())
			assert.Equal(t, "CLOSED->OPEN", transitions[0])
		})
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.GetState())

	b.Reset()
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, Counts{}, b.GetCounts())
	assert.Equal(t, "disk", b.Name())
}
