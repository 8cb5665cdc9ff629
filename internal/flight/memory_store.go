package flight

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory flight store for demo/development mode.
type MemoryStore struct {
	flights map[common.Address]*Flight
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory flight store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flights: make(map[common.Address]*Flight),
	}
}

func (m *MemoryStore) Create(_ context.Context, f *Flight) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flights[f.Address]; ok {
		return ErrFlightExists
	}
	m.flights[f.Address] = f.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, addr common.Address) (*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flights[addr]
	if !ok {
		return nil, ErrFlightNotFound
	}
	return f.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, f *Flight) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flights[f.Address]; !ok {
		return ErrFlightNotFound
	}
	m.flights[f.Address] = f.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.flights, addr)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Flight, 0, len(m.flights))
	for _, f := range m.flights {
		result = append(result, f.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Address.Cmp(result[j].Address) < 0
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListDue(_ context.Context, before time.Time, limit int) ([]*Flight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Flight
	for _, f := range m.flights {
		if len(result) >= limit {
			break
		}
		if isDue(f, before) {
			result = append(result, f.Clone())
		}
	}
	return result, nil
}

// isDue mirrors the operator withdrawal preconditions.
func isDue(f *Flight, before time.Time) bool {
	if f.OperatorPaid || f.Status == StatusDisputed {
		return false
	}
	if f.Status == StatusSettled && f.ShouldRefund {
		return false
	}
	return !before.Before(f.WithdrawOpensAt())
}

var _ Store = (*MemoryStore)(nil)
