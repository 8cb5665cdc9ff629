//go:build integration

package flight

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parv3213/flight-escrow/internal/testutil"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	f := sampleFlight(flightAddr, t0)
	f.DepartureCode = common.HexToHash("0x01")
	f.ArrivalCode = common.HexToHash("0x02")
	f.PassengerLimit = 180
	require.NoError(t, store.Create(ctx, f))
	assert.ErrorIs(t, store.Create(ctx, f), ErrFlightExists)

	got, err := store.Get(ctx, flightAddr)
	require.NoError(t, err)
	assert.Equal(t, f.Operator, got.Operator)
	assert.Equal(t, f.ArrivalCode, got.ArrivalCode)
	assert.Equal(t, "100000000000000000", got.BaseFare.String())
	assert.Equal(t, DelayLimit, got.DelayLimit)
	assert.Equal(t, 180, got.PassengerLimit)
	assert.True(t, got.Departure.Equal(departure))
	assert.Empty(t, got.Passengers)
	assert.Nil(t, got.DisputeRaiser)
}

func TestPostgresStore_UpdatePassengersAndRuling(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	f := sampleFlight(flightAddr, t0)
	require.NoError(t, store.Create(ctx, f))

	f.Passengers = []Passenger{{Buyer: alice, Name: "Alice"}, {Buyer: bob, Name: "Bob"}}
	require.NoError(t, store.Update(ctx, f))

	raiser := authority
	settled := t0.Add(5 * time.Hour)
	f.Status = StatusSettled
	f.DisputeRaiser = &raiser
	f.DecisionReason = "delayed"
	f.ShouldRefund = true
	f.SettledAt = &settled
	f.Passengers[1].Refunded = true
	require.NoError(t, store.Update(ctx, f))

	got, err := store.Get(ctx, flightAddr)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, got.Status)
	require.NotNil(t, got.DisputeRaiser)
	assert.Equal(t, authority, *got.DisputeRaiser)
	assert.True(t, got.ShouldRefund)
	require.Len(t, got.Passengers, 2)
	assert.False(t, got.Passengers[0].Refunded)
	assert.True(t, got.Passengers[1].Refunded)
	require.NotNil(t, got.SettledAt)
	assert.True(t, got.SettledAt.Equal(settled))
}

func TestPostgresStore_ListDueAndDelete(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	due := sampleFlight(flightAddr, t0)
	disputed := sampleFlight(common.HexToAddress("0x00000000000000000000000000000000000000e1"), t0.Add(time.Minute))
	disputed.Status = StatusDisputed
	require.NoError(t, store.Create(ctx, due))
	require.NoError(t, store.Create(ctx, disputed))

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, disputed.Address, list[0].Address)

	got, err := store.ListDue(ctx, departure.Add(WithdrawWait), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, flightAddr, got[0].Address)

	require.NoError(t, store.Delete(ctx, flightAddr))
	_, err = store.Get(ctx, flightAddr)
	assert.ErrorIs(t, err, ErrFlightNotFound)
}
