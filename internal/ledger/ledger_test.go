package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

var (
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	escrow = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func wei(s string) *big.Int { return ether.MustParse(s) }

func mustBalance(t *testing.T, l *Ledger, addr common.Address) string {
	t.Helper()
	bal, err := l.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", addr.Hex(), err)
	}
	return bal.Available
}

func TestLedger_Deposit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.Deposit(ctx, alice, wei("1.5"), "0x01"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, alice)
	if bal.Available != "1.5" {
		t.Errorf("Expected 1.5, got %s", bal.Available)
	}
	if bal.TotalIn != "1.5" {
		t.Errorf("Expected totalIn 1.5, got %s", bal.TotalIn)
	}
}

func TestLedger_DuplicateDeposit(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Deposit(ctx, alice, wei("1"), "0x01")
	err := l.Deposit(ctx, alice, wei("1"), "0x01")
	if !errors.Is(err, ErrDuplicateDeposit) {
		t.Errorf("Expected ErrDuplicateDeposit, got %v", err)
	}
	if got := mustBalance(t, l, alice); got != "1" {
		t.Errorf("duplicate deposit credited: %s", got)
	}
}

func TestLedger_DepositRejectsNonPositive(t *testing.T) {
	l := New(NewMemoryStore())

	if err := l.Deposit(context.Background(), alice, big.NewInt(0), "0x01"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedger_TransferBatchIsAtomic(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	_ = l.Deposit(ctx, alice, wei("1"), "0x01")

	// Second leg overdraws bob; the first leg must not stick.
	err := l.Transfer(ctx, "tx_1",
		Transfer{From: alice, To: bob, Amount: wei("0.4")},
		Transfer{From: bob, To: escrow, Amount: wei("0.5")},
	)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
	if got := mustBalance(t, l, alice); got != "1" {
		t.Errorf("alice: expected 1, got %s", got)
	}
	if got := mustBalance(t, l, bob); got != "0" {
		t.Errorf("bob: expected 0, got %s", got)
	}

	hist, _ := l.GetHistory(ctx, alice, 10)
	if len(hist) != 1 {
		t.Errorf("expected only the deposit entry, got %d", len(hist))
	}
}

func TestLedger_TransferChainsThroughIntermediary(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	_ = l.Deposit(ctx, alice, wei("0.05"), "0x01")

	err := l.Transfer(ctx, "tx_create",
		Transfer{From: alice, To: bob, Amount: wei("0.05")},
		Transfer{From: bob, To: escrow, Amount: wei("0.05")},
	)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got := mustBalance(t, l, bob); got != "0" {
		t.Errorf("intermediary should hold nothing, got %s", got)
	}
	if got := mustBalance(t, l, escrow); got != "0.05" {
		t.Errorf("escrow: expected 0.05, got %s", got)
	}
}

func TestLedger_TransferValidation(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.Transfer(ctx, "r", Transfer{From: alice, To: bob, Amount: big.NewInt(-1)}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative: expected ErrInvalidAmount, got %v", err)
	}
	if err := l.Transfer(ctx, "r", Transfer{From: alice, To: alice, Amount: big.NewInt(1)}); !errors.Is(err, ErrInvalidTransfer) {
		t.Errorf("self: expected ErrInvalidTransfer, got %v", err)
	}
	if err := l.Transfer(ctx, "r", Transfer{From: alice, To: bob, Amount: big.NewInt(0)}); err != nil {
		t.Errorf("zero leg should be a no-op, got %v", err)
	}
}

func TestLedger_GetHistory(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Deposit(ctx, alice, wei("1"), "0x01")
	_ = l.Transfer(ctx, "tx_2", Transfer{From: alice, To: escrow, Amount: wei("0.1")})

	entries, err := l.GetHistory(ctx, alice, 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != EntryDebit || entries[0].Reference != "tx_2" || entries[0].Counterparty != escrow {
		t.Errorf("unexpected newest entry: %+v", entries[0])
	}
}

func TestLedger_BalanceOf(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	_ = l.Deposit(ctx, alice, wei("0.35"), "0x01")

	v, err := l.BalanceOf(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if v.Cmp(wei("0.35")) != 0 {
		t.Errorf("expected 0.35 ether in wei, got %s", v)
	}
}

func TestLedger_ReconcileConserved(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Deposit(ctx, alice, wei("1"), "0x01")
	_ = l.Deposit(ctx, bob, wei("0.5"), "0x02")
	_ = l.Transfer(ctx, "tx_3",
		Transfer{From: alice, To: escrow, Amount: wei("0.1")},
		Transfer{From: bob, To: escrow, Amount: wei("0.1")},
	)
	_ = l.Transfer(ctx, "tx_4", Transfer{From: escrow, To: alice, Amount: wei("0.2")})

	report, err := l.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected consistent ledger, got %+v", report)
	}
	if report.TotalDeposits != "1.5" || report.TotalBalances != "1.5" {
		t.Errorf("unexpected totals %s / %s", report.TotalDeposits, report.TotalBalances)
	}
	if report.Entries != 2+4+2 {
		t.Errorf("expected 8 journal entries, got %d", report.Entries)
	}
}

func TestLedger_ReconcileDetectsDrift(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()
	_ = l.Deposit(ctx, alice, wei("1"), "0x01")

	// Corrupt the stored balance behind the journal's back.
	store.mu.Lock()
	store.accounts[alice].available.Add(store.accounts[alice].available, big.NewInt(1))
	store.mu.Unlock()

	report, err := l.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatal("expected drift to be reported")
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Account != alice {
		t.Errorf("unexpected mismatches: %+v", report.Mismatches)
	}
}

func TestLedger_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	_ = l.Deposit(ctx, alice, wei("1"), "0x01")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Transfer(ctx, "r", Transfer{From: alice, To: bob, Amount: wei("0.1")}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 transfers to succeed, got %d", succeeded)
	}
	if got := mustBalance(t, l, alice); got != "0" {
		t.Errorf("alice: expected 0, got %s", got)
	}
}

func TestSubmitDeposit_ReservedAccountReverts(t *testing.T) {
	l := New(NewMemoryStore()).WithGuard(escrowGuard{escrow: true})
	seq := txlog.New(txlog.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	r, err := SubmitDeposit(ctx, seq, l, escrow, wei("10"), "0xmint")
	if !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount, got %v", err)
	}
	if r == nil || r.RevertCode != "reserved_account" {
		t.Fatalf("expected reserved_account receipt, got %+v", r)
	}
	if got := mustBalance(t, l, escrow); got != "0" {
		t.Errorf("escrow balance = %s, want 0", got)
	}

	if _, err := SubmitDeposit(ctx, seq, l, alice, wei("10"), "0xok"); err != nil {
		t.Fatalf("deposit to a user account: %v", err)
	}
	if got := mustBalance(t, l, alice); got != "10" {
		t.Errorf("alice balance = %s, want 10", got)
	}
}
