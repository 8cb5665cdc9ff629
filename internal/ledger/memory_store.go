package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/idgen"
)

type account struct {
	available *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

func (a *account) clone() *account {
	return &account{
		available: new(big.Int).Set(a.available),
		totalIn:   new(big.Int).Set(a.totalIn),
		totalOut:  new(big.Int).Set(a.totalOut),
		updatedAt: a.updatedAt,
	}
}

func (a *account) balance(addr common.Address) *Balance {
	return &Balance{
		Account:   addr,
		Available: ether.Format(a.available),
		TotalIn:   ether.Format(a.totalIn),
		TotalOut:  ether.Format(a.totalOut),
		UpdatedAt: a.updatedAt,
	}
}

func newAccount() *account {
	return &account{available: new(big.Int), totalIn: new(big.Int), totalOut: new(big.Int)}
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[common.Address]*account
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[common.Address]*account),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, addr common.Address) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if a, ok := m.accounts[addr]; ok {
		return a.balance(addr), nil
	}
	return newAccount().balance(addr), nil
}

func (m *MemoryStore) Deposit(_ context.Context, addr common.Address, amount *big.Int, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[txHash] {
		return ErrDuplicateDeposit
	}

	now := time.Now()
	a, ok := m.accounts[addr]
	if !ok {
		a = newAccount()
		m.accounts[addr] = a
	}
	a.available.Add(a.available, amount)
	a.totalIn.Add(a.totalIn, amount)
	a.updatedAt = now

	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Account:   addr,
		Type:      EntryDeposit,
		Amount:    ether.Format(amount),
		TxHash:    txHash,
		CreatedAt: now,
	})
	m.deposits[txHash] = true
	return nil
}

func (m *MemoryStore) Apply(_ context.Context, reference string, legs []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage every touched account so a failing leg leaves nothing applied.
	staged := make(map[common.Address]*account)
	get := func(addr common.Address) *account {
		if a, ok := staged[addr]; ok {
			return a
		}
		a, ok := m.accounts[addr]
		if ok {
			a = a.clone()
		} else {
			a = newAccount()
		}
		staged[addr] = a
		return a
	}

	now := time.Now()
	entries := make([]*Entry, 0, 2*len(legs))
	for _, leg := range legs {
		from := get(leg.From)
		if from.available.Cmp(leg.Amount) < 0 {
			return ErrInsufficientBalance
		}
		to := get(leg.To)

		from.available.Sub(from.available, leg.Amount)
		from.totalOut.Add(from.totalOut, leg.Amount)
		from.updatedAt = now
		to.available.Add(to.available, leg.Amount)
		to.totalIn.Add(to.totalIn, leg.Amount)
		to.updatedAt = now

		amount := ether.Format(leg.Amount)
		entries = append(entries,
			&Entry{
				ID: idgen.WithPrefix("ent_"), Account: leg.From, Type: EntryDebit, Amount: amount,
				Counterparty: leg.To, Reference: reference, CreatedAt: now,
			},
			&Entry{
				ID: idgen.WithPrefix("ent_"), Account: leg.To, Type: EntryCredit, Amount: amount,
				Counterparty: leg.From, Reference: reference, CreatedAt: now,
			},
		)
	}

	for addr, a := range staged {
		m.accounts[addr] = a
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, addr common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == addr {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Journal(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) Balances(_ context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Balance, 0, len(m.accounts))
	for addr, a := range m.accounts {
		result = append(result, a.balance(addr))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Account.Cmp(result[j].Account) < 0
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
