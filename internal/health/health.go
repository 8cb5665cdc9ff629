// Package health aggregates the liveness of the escrow service's
// dependencies (database, event bus) and background loops (settlement
// keeper, reconciliation, deposit watcher).
package health

import (
	"context"
	"sync"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs named checkers. Checkers may be added while the server is
// serving; background loops register once they start.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds check under name. Results report name when the checker
// leaves Status.Name empty.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.checks = append(r.checks, check)
}

// CheckAll runs every checker concurrently and returns the statuses in
// registration order. The service is healthy only if all of them are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := append([]Checker(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := check(ctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		healthy = healthy && st.Healthy
	}
	return healthy, statuses
}
