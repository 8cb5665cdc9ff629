package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func static(st Status) Checker {
	return func(context.Context) Status { return st }
}

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name    string
		checks  map[string]Status
		order   []string
		healthy bool
	}{
		{"empty registry", nil, nil, true},
		{"all healthy", map[string]Status{
			"database": {Healthy: true},
			"redis":    {Healthy: true, Detail: "ok"},
		}, []string{"database", "redis"}, true},
		{"one down", map[string]Status{
			"database": {Healthy: true},
			"settler":  {Healthy: false, Detail: "not running"},
		}, []string{"database", "settler"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, name := range tt.order {
				r.Register(name, static(tt.checks[name]))
			}
			healthy, statuses := r.CheckAll(context.Background())
			if healthy != tt.healthy {
				t.Fatalf("healthy = %v, want %v", healthy, tt.healthy)
			}
			if len(statuses) != len(tt.order) {
				t.Fatalf("got %d statuses, want %d", len(statuses), len(tt.order))
			}
			for i, name := range tt.order {
				if statuses[i].Name != name {
					t.Errorf("status %d is %q, want %q", i, statuses[i].Name, name)
				}
				if statuses[i].Detail != tt.checks[name].Detail {
					t.Errorf("%s detail = %q", name, statuses[i].Detail)
				}
			}
		})
	}
}

func TestCheckAll_KeepsCheckerName(t *testing.T) {
	r := NewRegistry()
	r.Register("db", static(Status{Name: "database", Healthy: true}))
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "database" {
		t.Errorf("expected checker-supplied name, got %q", statuses[0].Name)
	}
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	slow := func(context.Context) Status {
		time.Sleep(50 * time.Millisecond)
		return Status{Healthy: true}
	}
	for range 4 {
		r.Register("slow", slow)
	}

	start := time.Now()
	r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("checks ran serially: %v", elapsed)
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("loop", static(Status{Healthy: true}))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	if _, statuses := r.CheckAll(context.Background()); len(statuses) != 10 {
		t.Errorf("expected 10 checkers, got %d", len(statuses))
	}
}
