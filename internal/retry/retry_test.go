package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTransient = errors.New("connection refused")

// failing returns fn that fails the first n calls with err, and a counter.
func failing(n int, err error) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantErr   error
		wantCalls int
	}{
		{"first attempt", 3, 0, errTransient, nil, 1},
		{"recovers", 3, 2, errTransient, nil, 3},
		{"exhausted", 3, 10, errTransient, errTransient, 3},
		{"zero attempts still calls once", 0, 0, errTransient, nil, 1},
		{"negative attempts fail once", -1, 10, errTransient, errTransient, 1},
		{"permanent stops", 5, 10, Permanent(errTransient), errTransient, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := failing(tt.failures, tt.err)
			err := Do(context.Background(), tt.attempts, time.Millisecond, fn)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("Do() error = %v, want %v", err, tt.wantErr)
			}
			if *calls != tt.wantCalls {
				t.Fatalf("Do() made %d calls, want %d", *calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		return Permanent(errTransient)
	})
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatalf("expected the inner error, got %T", err)
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errTransient
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c := calls.Load(); c != 1 {
		t.Fatalf("expected a single call before the deadline, got %d", c)
	}
}

func TestDo_WaitsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	_ = Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		return errTransient
	})
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	// 20ms then 40ms, each at least 75% of nominal.
	if gap := stamps[1].Sub(stamps[0]); gap < 15*time.Millisecond {
		t.Errorf("first wait too short: %v", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 30*time.Millisecond {
		t.Errorf("second wait too short: %v", gap)
	}
}

func TestJitter_StaysInRange(t *testing.T) {
	d := 100 * time.Millisecond
	for range 200 {
		j := jitter(d)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("jitter(%v) = %v out of range", d, j)
		}
	}
	if jitter(0) != 0 {
		t.Error("jitter(0) should be 0")
	}
}
