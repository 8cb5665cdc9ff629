package txlog

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory receipt store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	byID     map[string]*Receipt
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Receipt)}
}

func (m *MemoryStore) Append(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneReceipt(r)
	m.receipts = append(m.receipts, cp)
	m.byID[r.TxID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, txID string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[txID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return cloneReceipt(r), nil
}

func (m *MemoryStore) ListByTarget(_ context.Context, target common.Address, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for i := len(m.receipts) - 1; i >= 0 && len(result) < limit; i-- {
		if m.receipts[i].To == target {
			result = append(result, cloneReceipt(m.receipts[i]))
		}
	}
	return result, nil
}

func (m *MemoryStore) LastSeq(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.receipts) == 0 {
		return 0, nil
	}
	return m.receipts[len(m.receipts)-1].Seq, nil
}

func cloneReceipt(r *Receipt) *Receipt {
	cp := *r
	cp.Events = append(cp.Events[:0:0], r.Events...)
	if r.Args != nil {
		cp.Args = make(map[string]string, len(r.Args))
		for k, v := range r.Args {
			cp.Args[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
