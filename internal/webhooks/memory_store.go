package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps subscriptions in memory. Callers receive copies.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = append(c.Events[:0:0], s.Events...)
	if s.Flight != nil {
		f := *s.Flight
		c.Flight = &f
	}
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner common.Address) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool { return s.Owner == owner }), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool { return s.Active }), nil
}

func (m *MemoryStore) list(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []*Subscription{}
	for _, sub := range m.subs {
		if keep(sub) {
			result = append(result, clone(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr string, maxFailures int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == "" {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr
	sub.ConsecutiveFailures++
	if maxFailures > 0 && sub.ConsecutiveFailures >= maxFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
