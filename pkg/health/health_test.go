package health

import (
	"fmt"
	"sync"
	"testing"

	"github.com/swapfc/swapfc/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent("disk")

	if state := tracker.GetState("disk"); state != StateHealthy {
		t.Errorf("Expected initial state to be healthy, got %s", state)
	}
	if state := tracker.GetState("unknown"); state != StateUnavailable {
		t.Errorf("Expected unregistered component to be unavailable, got %s", state)
	}
}

func TestTracker_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	tracker := NewTracker(config)
	tracker.RegisterComponent("disk")

	for i := 0; i < 2; i++ {
		tracker.RecordError("disk", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("disk"); state != StateHealthy {
		t.Errorf("Expected healthy before threshold, got %s", state)
	}

	if !tracker.RecordError("disk", fmt.Errorf("error 3")) {
		t.Error("Expected crossing the threshold to report a change")
	}
	if state := tracker.GetState("disk"); state != StateDegraded {
		t.Errorf("Expected degraded at threshold, got %s", state)
	}
	if !tracker.CanExpand("disk") {
		t.Error("Degraded pools should still try to expand")
	}

	for i := 0; i < 50; i++ {
		if tracker.RecordError("disk", fmt.Errorf("busy %d", i)) {
			t.Fatalf("Repeated failures should not change state again (error %d)", i)
		}
	}
	if state := tracker.GetState("disk"); state != StateDegraded {
		t.Errorf("Expected failures to stop at degraded, got %s", state)
	}
	if !tracker.CanExpand("disk") || !tracker.CanContract("disk") {
		t.Error("Degraded pools keep operating")
	}

	if !tracker.RecordSuccess("disk") {
		t.Error("Expected success to clear degraded")
	}
	if state := tracker.GetState("disk"); state != StateHealthy {
		t.Errorf("Expected healthy after success, got %s", state)
	}
}

func TestTracker_UnavailableIsSticky(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("ram")

	tracker.RecordError("ram", errors.NewError(errors.ErrCodeKernelUnavailable, "no zram"))
	for i := 0; i < 5; i++ {
		tracker.RecordError("ram", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("ram"); state != StateUnavailable {
		t.Errorf("Expected unavailable to persist, got %s", state)
	}
	if tracker.CanExpand("ram") || tracker.CanContract("ram") {
		t.Error("Unavailable pools must not change capacity")
	}
}

func TestTracker_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want HealthState
	}{
		{
			name: "exhausted holds",
			err:  errors.NewError(errors.ErrCodeResourceExhausted, "no space"),
			want: StateHolding,
		},
		{
			name: "wrapped exhausted holds",
			err:  fmt.Errorf("create: %w", errors.NewError(errors.ErrCodeResourceExhausted, "no space")),
			want: StateHolding,
		},
		{
			name: "missing kernel interface",
			err:  errors.NewError(errors.ErrCodeKernelUnavailable, "no zram"),
			want: StateUnavailable,
		},
		{
			name: "plain failure below threshold",
			err:  fmt.Errorf("boom"),
			want: StateHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(DefaultConfig())
			tracker.RegisterComponent("ram")

			tracker.RecordError("ram", tt.err)
			if got := tracker.GetState("ram"); got != tt.want {
				t.Errorf("GetState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTracker_HoldingReportsOnce(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("disk")
	exhausted := errors.NewError(errors.ErrCodeResourceExhausted, "no space")

	if !tracker.RecordError("disk", exhausted) {
		t.Fatal("First exhaustion should report a change")
	}
	for i := 0; i < 20; i++ {
		if tracker.RecordError("disk", exhausted) {
			t.Fatal("Repeated exhaustion should not report a change")
		}
	}
	if !tracker.CanExpand("disk") {
		t.Error("Holding pools retry growth every tick")
	}

	if !tracker.RecordSuccess("disk") {
		t.Error("Success after holding should report a change")
	}
	if tracker.RecordSuccess("disk") {
		t.Error("Success while healthy should not report a change")
	}
}

func TestTracker_OverallHealth(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("ram")
	tracker.RegisterComponent("disk")

	if overall := tracker.GetOverallHealth(); overall != StateHealthy {
		t.Errorf("Expected healthy, got %s", overall)
	}

	tracker.RecordError("disk", errors.NewError(errors.ErrCodeResourceExhausted, "full"))
	if overall := tracker.GetOverallHealth(); overall != StateDegraded {
		t.Errorf("Expected holding to count as degraded overall, got %s", overall)
	}

	tracker.RecordError("ram", errors.NewError(errors.ErrCodeKernelUnavailable, "gone"))
	if overall := tracker.GetOverallHealth(); overall != StateUnavailable {
		t.Errorf("Expected unavailable, got %s", overall)
	}

	all := tracker.GetAllComponents()
	if len(all) != 2 {
		t.Fatalf("Expected 2 components, got %d", len(all))
	}
	if all["disk"].StateName != "holding" {
		t.Errorf("Expected disk state name holding, got %s", all["disk"].StateName)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("disk")

	var mu sync.Mutex
	var transitions []string
	tracker.AddStateChangeCallback(func(component string, oldState, newState HealthState, err error) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
	})

	tracker.RecordError("disk", errors.NewError(errors.ErrCodeResourceExhausted, "full"))
	tracker.RecordSuccess("disk")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"disk:healthy->holding", "disk:holding->healthy"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestTracker_GetComponentHealth(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("Expected error for unregistered component")
	}

	tracker.RegisterComponent("disk")
	tracker.RecordError("disk", fmt.Errorf("swapon failed"))
	h, err := tracker.GetComponentHealth("disk")
	if err != nil {
		t.Fatalf("GetComponentHealth() error = %v", err)
	}
	if h.ConsecutiveErrors != 1 || h.LastErrorMessage != "swapon failed" {
		t.Errorf("Unexpected health record: %+v", h)
	}
}
