//go:build integration

package events_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/testutil"
)

func TestRedisPublisher_PublishesToGlobalAndFlightChannels(t *testing.T) {
	client := testutil.RedisTest(t)
	ctx := context.Background()
	flight := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	pub := events.NewRedisPublisher(client, "", slog.Default())
	sub := client.Subscribe(ctx, events.DefaultChannel, events.DefaultChannel+":"+flight.Hex())
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	evt := events.New(events.DisputeOpened, flight, "raiser", "0xabc")
	evt.TxID = "tx_1"
	pub.Emit(ctx, evt)

	seen := map[string]bool{}
	ch := sub.Channel()
	for len(seen) < 2 {
		select {
		case msg := <-ch:
			var got events.Event
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
			assert.Equal(t, events.DisputeOpened, got.Type)
			assert.Equal(t, "tx_1", got.TxID)
			seen[msg.Channel] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, received on %v", seen)
		}
	}
}
