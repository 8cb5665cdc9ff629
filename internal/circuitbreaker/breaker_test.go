package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const bus = "redis:flight-escrow:events"

// newTestBreaker returns a breaker whose clock only moves when advanced.
func newTestBreaker(threshold int, open time.Duration) (*Breaker, func(time.Duration)) {
	b := New(threshold, open)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return b, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow(bus) {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)
	if !b.Allow(bus) {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure(bus)
	if b.Allow(bus) {
		t.Fatal("should be open after 3 failures")
	}
	if b.State(bus) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(bus))
	}
}

func TestBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	b, advance := newTestBreaker(2, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)
	advance(59 * time.Second)
	if b.Allow(bus) {
		t.Fatal("should stay open before openDuration")
	}

	advance(time.Second)
	if !b.Allow(bus) {
		t.Fatal("should allow trial request in half-open")
	}
	if b.State(bus) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(bus))
	}
	if b.Allow(bus) {
		t.Fatal("should reject second call in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, advance := newTestBreaker(2, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)
	advance(time.Minute)
	b.Allow(bus)

	b.RecordSuccess(bus)
	if b.State(bus) != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State(bus))
	}
	if !b.Allow(bus) {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, advance := newTestBreaker(2, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)
	advance(time.Minute)
	b.Allow(bus)

	b.RecordFailure(bus)
	if b.State(bus) != StateOpen {
		t.Fatalf("expected StateOpen after failed trial request, got %v", b.State(bus))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)
	b.RecordSuccess(bus)

	b.RecordFailure(bus)
	if !b.Allow(bus) {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure(bus)
	b.RecordFailure(bus)

	if b.Allow(bus) {
		t.Fatal("bus should be open")
	}
	if !b.Allow("redis:other") {
		t.Fatal("other key should be closed")
	}
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("connection refused")

	calls := 0
	fail := func() error { calls++; return boom }

	if err := b.Do(bus, fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Do(bus, fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Do(bus, fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected fn skipped while open, got %d calls", calls)
	}

	if err := b.Do("redis:other", func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure(bus)
	b.RecordFailure(bus)

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("expected closed→open, got %v→%v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
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
