// Package ledger tracks native-currency balances for every account,
// escrow and registry address.
//
// Flow:
//  1. Funds enter through Deposit (one credit per external tx hash)
//  2. Transactions move funds with Transfer; every leg commits or none do
//  3. Every movement is journaled; Reconcile replays the journal against
//     stored balances
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

var (
	ErrInsufficientBalance = txlog.NewRevert("insufficient_balance", "insufficient balance")
	ErrInvalidAmount       = txlog.NewRevert("invalid_amount", "invalid amount")
	ErrDuplicateDeposit    = txlog.NewRevert("duplicate_deposit", "deposit already processed")
	ErrReservedAccount     = txlog.NewRevert("reserved_account", "account does not accept external deposits")
	ErrInvalidTransfer     = errors.New("invalid transfer")
)

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryDebit   = "debit"
	EntryCredit  = "credit"
)

// Entry is an immutable journal line. Each transfer leg writes a debit for
// the payer and a credit for the payee sharing the same reference.
type Entry struct {
	ID           string         `json:"id"`
	Account      common.Address `json:"account"`
	Type         string         `json:"type"`
	Amount       string         `json:"amount"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	TxHash       string         `json:"txHash,omitempty"`
	Reference    string         `json:"reference,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Balance is an account's current position.
type Balance struct {
	Account   common.Address `json:"account"`
	Available string         `json:"available"`
	TotalIn   string         `json:"totalIn"`
	TotalOut  string         `json:"totalOut"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Transfer is one leg of an atomic batch.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Store persists ledger data.
type Store interface {
	GetBalance(ctx context.Context, addr common.Address) (*Balance, error)
	// Deposit credits external funds; a tx hash is accepted once.
	Deposit(ctx context.Context, addr common.Address, amount *big.Int, txHash string) error
	// Apply runs legs in order as a single atomic batch.
	Apply(ctx context.Context, reference string, legs []Transfer) error
	GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error)
	// Journal returns every entry, oldest first.
	Journal(ctx context.Context) ([]*Entry, error)
	// Balances returns every account with a stored balance.
	Balances(ctx context.Context) ([]*Balance, error)
}

// AccountGuard reports accounts that only move funds through escrow logic,
// such as the registry and every escrow it created.
type AccountGuard interface {
	Reserved(ctx context.Context, addr common.Address) (bool, error)
}

// Ledger manages account balances.
type Ledger struct {
	store Store
	guard AccountGuard
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// WithGuard makes external deposits to reserved accounts revert.
func (l *Ledger) WithGuard(g AccountGuard) *Ledger {
	l.guard = g
	return l
}

// checkDepositable rejects external deposits into reserved accounts.
func (l *Ledger) checkDepositable(ctx context.Context, addr common.Address) error {
	if l.guard == nil {
		return nil
	}
	reserved, err := l.guard.Reserved(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to check account %s: %w", addr.Hex(), err)
	}
	if reserved {
		return ErrReservedAccount
	}
	return nil
}

// GetBalance returns an account's current balance.
func (l *Ledger) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	return l.store.GetBalance(ctx, addr)
}

// BalanceOf returns an account's available balance in wei.
func (l *Ledger) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := l.store.GetBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	v, ok := ether.Parse(bal.Available)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s: %q", addr.Hex(), bal.Available)
	}
	return v, nil
}

// Deposit credits an account with external funds.
func (l *Ledger) Deposit(ctx context.Context, addr common.Address, amount *big.Int, txHash string) error {
	done := observeOp("deposit")
	defer done()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if txHash == "" {
		return fmt.Errorf("%w: tx hash required", ErrInvalidTransfer)
	}
	return l.store.Deposit(ctx, addr, amount, txHash)
}

// Transfer moves funds atomically. Zero-amount legs are skipped; if any leg
// would overdraw its payer nothing is applied and ErrInsufficientBalance is
// returned.
func (l *Ledger) Transfer(ctx context.Context, reference string, legs ...Transfer) error {
	done := observeOp("transfer")
	defer done()

	batch := make([]Transfer, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if leg.Amount.Sign() == 0 {
			continue
		}
		if leg.From == leg.To {
			return fmt.Errorf("%w: payer and payee are both %s", ErrInvalidTransfer, leg.From.Hex())
		}
		batch = append(batch, Transfer{From: leg.From, To: leg.To, Amount: new(big.Int).Set(leg.Amount)})
	}
	if len(batch) == 0 {
		return nil
	}
	return l.store.Apply(ctx, reference, batch)
}

// GetHistory returns journal entries for an account, newest first.
func (l *Ledger) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, addr, limit)
}

// Mismatch is an account whose stored balance disagrees with its journal.
type Mismatch struct {
	Account  common.Address `json:"account"`
	Stored   string         `json:"stored"`
	Replayed string         `json:"replayed"`
}

// ReconcileReport summarizes a journal replay.
type ReconcileReport struct {
	Accounts      int        `json:"accounts"`
	Entries       int        `json:"entries"`
	TotalDeposits string     `json:"totalDeposits"`
	TotalBalances string     `json:"totalBalances"`
	Conserved     bool       `json:"conserved"`
	Mismatches    []Mismatch `json:"mismatches"`
}

// OK reports whether the ledger is internally consistent.
func (r *ReconcileReport) OK() bool {
	return r.Conserved && len(r.Mismatches) == 0
}

// Reconcile replays the journal and compares each account's replayed balance
// with its stored balance. Transfers never create or destroy value, so the
// sum of all balances must also equal the sum of all deposits.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	done := observeOp("reconcile")
	defer done()

	journal, err := l.store.Journal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	balances, err := l.store.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}

	replayed := make(map[common.Address]*big.Int)
	deposits := new(big.Int)
	for _, e := range journal {
		amt, ok := ether.Parse(e.Amount)
		if !ok {
			return nil, fmt.Errorf("corrupt journal entry %s: %q", e.ID, e.Amount)
		}
		acc, ok := replayed[e.Account]
		if !ok {
			acc = new(big.Int)
			replayed[e.Account] = acc
		}
		switch e.Type {
		case EntryDeposit:
			acc.Add(acc, amt)
			deposits.Add(deposits, amt)
		case EntryCredit:
			acc.Add(acc, amt)
		case EntryDebit:
			acc.Sub(acc, amt)
		}
	}

	report := &ReconcileReport{
		Accounts:   len(balances),
		Entries:    len(journal),
		Mismatches: []Mismatch{},
	}
	total := new(big.Int)
	seen := make(map[common.Address]bool, len(balances))
	for _, b := range balances {
		seen[b.Account] = true
		stored, _ := ether.Parse(b.Available)
		total.Add(total, stored)
		want := replayed[b.Account]
		if want == nil {
			want = new(big.Int)
		}
		if stored.Cmp(want) != 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Account:  b.Account,
				Stored:   ether.Format(stored),
				Replayed: ether.Format(want),
			})
		}
	}
	for addr, want := range replayed {
		if !seen[addr] && want.Sign() != 0 {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Account:  addr,
				Stored:   "0",
				Replayed: ether.Format(want),
			})
		}
	}

	report.TotalDeposits = ether.Format(deposits)
	report.TotalBalances = ether.Format(total)
	report.Conserved = deposits.Cmp(total) == 0
	return report, nil
}
