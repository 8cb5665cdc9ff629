package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/parv3213/flight-escrow/internal/events"
)

var (
	flightA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	flightB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func purchase(flight, buyer common.Address) *events.Event {
	evt := events.New(events.TicketPurchased, flight, "buyer", buyer.Hex(), "name", "Alice")
	return &evt
}

// ---------------------------------------------------------------------------
// Subscription matching
// ---------------------------------------------------------------------------

func TestSubscriptionMatches_AllEvents(t *testing.T) {
	sub := Subscription{AllEvents: true}
	if !sub.Matches(purchase(flightA, alice)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestSubscriptionMatches_EventTypeFilter(t *testing.T) {
	sub := Subscription{
		EventTypes: []events.Type{events.DisputeOpened, events.DisputeResolved},
	}

	opened := events.New(events.DisputeOpened, flightA)
	resolved := events.New(events.DisputeResolved, flightA)

	if !sub.Matches(&opened) {
		t.Error("Should receive dispute.opened events")
	}
	if !sub.Matches(&resolved) {
		t.Error("Should receive dispute.resolved events")
	}
	if sub.Matches(purchase(flightA, alice)) {
		t.Error("Should NOT receive ticket events")
	}
}

func TestSubscriptionMatches_FlightFilterIsCaseInsensitive(t *testing.T) {
	sub := Subscription{
		Flights: []string{strings.ToLower(flightA.Hex())},
	}

	if !sub.Matches(purchase(flightA, alice)) {
		t.Error("Should match watched flight regardless of checksum case")
	}
	if sub.Matches(purchase(flightB, alice)) {
		t.Error("Should NOT match other flights")
	}
}

func TestSubscriptionMatches_ParticipantFilter(t *testing.T) {
	sub := Subscription{
		Participants: []string{alice.Hex()},
	}

	raised := events.New(events.DisputeOpened, flightB, "raiser", alice.Hex())
	other := events.New(events.Withdrawal, flightA, "operator", flightB.Hex())

	if !sub.Matches(purchase(flightA, alice)) {
		t.Error("Should match on buyer")
	}
	if !sub.Matches(&raised) {
		t.Error("Should match on raiser")
	}
	if sub.Matches(&other) {
		t.Error("Should NOT match unrelated participants")
	}
}

func TestSubscriptionMatches_EmptySubscription(t *testing.T) {
	sub := Subscription{}
	if !sub.Matches(purchase(flightA, alice)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?flight="+flightA.Hex()+"&type=refund", nil)
	sub := subscriptionFromQuery(r)
	if sub.AllEvents {
		t.Error("Expected filtered subscription")
	}
	if len(sub.Flights) != 1 || len(sub.EventTypes) != 1 || sub.EventTypes[0] != events.Refund {
		t.Errorf("Unexpected subscription: %+v", sub)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !subscriptionFromQuery(r).AllEvents {
		t.Error("Expected no query to subscribe to everything")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	if stats := h.Stats(); stats != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestHub_EmitAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Emit(ctx, *purchase(flightA, alice))
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats().TotalEvents; got != 1 {
		t.Errorf("Expected 1 total event, got %d", got)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := newClient(h, nil, Subscription{AllEvents: true})

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats().ConnectedClients; got != 1 {
		t.Errorf("Expected 1 connected client, got %d", got)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %d", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 || stats.TotalClients != 1 {
		t.Errorf("Expected peak and total of 1, got %+v", stats)
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := newClient(h, nil, Subscription{Flights: []string{flightA.Hex()}})

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(purchase(flightB, alice))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive events for another flight")
	default:
	}

	h.Broadcast(purchase(flightA, alice))

	select {
	case msg := <-client.send:
		var got events.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("invalid event payload: %v", err)
		}
		if got.Flight != flightA || got.Type != events.TicketPurchased {
			t.Errorf("Unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive event for watched flight")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?participant=" + alice.Hex()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats().ConnectedClients == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Emit(ctx, *purchase(flightA, alice))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(msg), `"ticket.purchased"`) {
		t.Errorf("Unexpected message: %s", msg)
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", rec.Code)
	}
}
