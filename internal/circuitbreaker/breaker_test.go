package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// The payment gateway keys the breaker per operation: a charge outage
// must not shed transfers.

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("charge") {
		t.Fatal("closed circuit must allow charges")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	if !b.Allow("charge") {
		t.Fatal("two provider failures must not trip a threshold of three")
	}

	b.RecordFailure("charge")
	if b.Allow("charge") {
		t.Fatal("third provider failure must open the circuit")
	}
	if b.State("charge") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("charge"))
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	if b.Allow("charge") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One trial call gets through; a second caller keeps waiting.
	if !b.Allow("charge") {
		t.Fatal("half-open circuit should allow one trial call")
	}
	if b.State("charge") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("charge"))
	}
	if b.Allow("charge") {
		t.Fatal("second call during the trial must be shed")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	time.Sleep(60 * time.Millisecond)
	b.Allow("charge") // trial call

	b.RecordSuccess("charge")
	if b.State("charge") != StateClosed {
		t.Fatalf("state = %v, want closed after provider recovery", b.State("charge"))
	}
	if !b.Allow("charge") {
		t.Fatal("recovered circuit must allow charges")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	time.Sleep(60 * time.Millisecond)
	b.Allow("charge") // trial call

	b.RecordFailure("charge")
	if b.State("charge") != StateOpen {
		t.Fatalf("state = %v, want open after a failed trial call", b.State("charge"))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	b.RecordSuccess("charge")

	// The streak broke; one more failure must not trip.
	b.RecordFailure("charge")
	if !b.Allow("charge") {
		t.Fatal("circuit should stay closed after the streak reset")
	}
}

func TestBreaker_OperationsAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("charge")
	b.RecordFailure("charge")

	if b.Allow("charge") {
		t.Fatal("charge circuit should be open")
	}
	if !b.Allow("transfer") {
		t.Fatal("a charge outage must not shed transfers")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("recipient") != StateClosed {
		t.Fatalf("state = %v, want closed for an untouched operation", b.State("recipient"))
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("charge")
	b.RecordFailure("charge")

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition %v→%v, want closed→open", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
