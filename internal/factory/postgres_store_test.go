//go:build integration

package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parv3213/flight-escrow/internal/testutil"
)

func TestPostgresStore_AppendInOrder(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			Index:     i,
			Flight:    EscrowAddress(factoryAddr, i),
			Operator:  operator,
			TxID:      "0xtx" + string(rune('a'+i)),
			CreatedAt: t0,
		}))
	}

	// A stale or skipped index is rejected.
	assert.ErrorIs(t, store.Append(ctx, &Entry{Index: 1, Flight: EscrowAddress(factoryAddr, 9), Operator: operator, TxID: "0xdup", CreatedAt: t0}), ErrEntryExists)
	assert.ErrorIs(t, store.Append(ctx, &Entry{Index: 5, Flight: EscrowAddress(factoryAddr, 5), Operator: operator, TxID: "0xgap", CreatedAt: t0}), ErrEntryExists)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, err := store.At(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, EscrowAddress(factoryAddr, 2), e.Flight)
	assert.True(t, e.CreatedAt.Equal(t0))

	_, err = store.At(ctx, 3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	list, err := store.List(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Index)
	assert.Equal(t, 2, list[1].Index)
}
