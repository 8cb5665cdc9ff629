//go:build integration

package txlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	r := &Receipt{
		TxID:      "0xaaaa",
		Seq:       1,
		Kind:      KindBuyTicket,
		From:      alice,
		To:        flight,
		Value:     "0.1",
		Args:      map[string]string{"name": "Stuart Little"},
		Status:    StatusSuccess,
		Events:    []events.Event{events.New(events.TicketPurchased, flight, "buyer", alice.Hex())},
		Timestamp: t0,
	}
	require.NoError(t, store.Append(ctx, r))
	require.NoError(t, store.Append(ctx, &Receipt{
		TxID: "0xbbbb", Seq: 2, Kind: KindRaiseDispute, From: alice, To: flight, Value: "0",
		Status: StatusReverted, RevertCode: "not_authorized", RevertReason: "caller is not the escrow authority",
		Events: []events.Event{}, Timestamp: t0.Add(time.Second),
	}))

	got, err := store.Get(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, KindBuyTicket, got.Kind)
	assert.Equal(t, alice, got.From)
	assert.Equal(t, "Stuart Little", got.Args["name"])
	require.Len(t, got.Events, 1)
	assert.Equal(t, events.TicketPurchased, got.Events[0].Type)

	_, err = store.Get(ctx, "0xcccc")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	list, err := store.ListByTarget(ctx, flight, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "not_authorized", list[0].RevertCode)

	seq, err := store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}
