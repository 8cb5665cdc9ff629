package factory

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory registry for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Index != len(m.entries) {
		return fmt.Errorf("%w: index %d, count %d", ErrEntryExists, e.Index, len(m.entries))
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) At(_ context.Context, index int) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < 0 || index >= len(m.entries) {
		return nil, ErrIndexOutOfRange
	}
	cp := *m.entries[index]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, from, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := from; i < len(m.entries) && len(result) < limit; i++ {
		cp := *m.entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
