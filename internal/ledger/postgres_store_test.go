//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parv3213/flight-escrow/internal/dbtx"
	"github.com/parv3213/flight-escrow/internal/testutil"
)

func setupPostgresLedger(t *testing.T) *Ledger {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return New(NewPostgresStore(db))
}

func TestPostgres_DepositAndBalance(t *testing.T) {
	l := setupPostgresLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Deposit(ctx, alice, wei("10.5"), "0xabc123"))

	bal, err := l.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "10.5", bal.Available)
	assert.Equal(t, "10.5", bal.TotalIn)

	assert.ErrorIs(t, l.Deposit(ctx, alice, wei("1"), "0xabc123"), ErrDuplicateDeposit)
}

func TestPostgres_UnknownAccountIsZero(t *testing.T) {
	l := setupPostgresLedger(t)

	bal, err := l.GetBalance(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.Available)
}

func TestPostgres_TransferAtomic(t *testing.T) {
	l := setupPostgresLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, wei("1"), "0x01"))

	err := l.Transfer(ctx, "tx_1",
		Transfer{From: alice, To: bob, Amount: wei("0.4")},
		Transfer{From: bob, To: escrow, Amount: wei("0.5")},
	)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "1", mustBalance(t, l, alice))
	assert.Equal(t, "0", mustBalance(t, l, bob))

	require.NoError(t, l.Transfer(ctx, "tx_2",
		Transfer{From: alice, To: bob, Amount: wei("0.4")},
		Transfer{From: bob, To: escrow, Amount: wei("0.4")},
	))
	assert.Equal(t, "0.6", mustBalance(t, l, alice))
	assert.Equal(t, "0", mustBalance(t, l, bob))
	assert.Equal(t, "0.4", mustBalance(t, l, escrow))

	hist, err := l.GetHistory(ctx, escrow, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, EntryCredit, hist[0].Type)
	assert.Equal(t, bob, hist[0].Counterparty)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := setupPostgresLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, wei("1"), "0x01"))

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Transfer(ctx, "r", Transfer{From: alice, To: bob, Amount: wei("0.1")})
		}()
	}
	wg.Wait()

	a, err := l.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Sign(), 0)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Conserved)
}

func TestPostgres_TransferRollsBackWithUnit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	l := New(NewPostgresStore(db))
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, alice, wei("1"), "0x01"))

	errLater := errors.New("escrow write failed")
	err := dbtx.NewUnit(db).Atomically(ctx, func(ctx context.Context) error {
		if err := l.Transfer(ctx, "tx_1", Transfer{From: alice, To: escrow, Amount: wei("0.4")}); err != nil {
			return err
		}
		inside, err := l.GetBalance(ctx, escrow)
		require.NoError(t, err)
		assert.Equal(t, "0.4", inside.Available, "transfer visible inside the unit")
		return errLater
	})
	require.ErrorIs(t, err, errLater)

	assert.Equal(t, "1", mustBalance(t, l, alice))
	assert.Equal(t, "0", mustBalance(t, l, escrow))
	history, err := l.GetHistory(ctx, escrow, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}
