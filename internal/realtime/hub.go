// Package realtime streams committed escrow events over WebSocket.
//
// Clients connect to /ws and receive every event by default. Sending a
// Subscription JSON frame narrows the stream to specific flights,
// participants, or event types.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/metrics"
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	AllEvents    bool          `json:"allEvents"`
	EventTypes   []events.Type `json:"eventTypes"`
	Flights      []string      `json:"flights"`      // escrow addresses
	Participants []string      `json:"participants"` // buyers, operators, raisers
}

// Matches reports whether evt passes every non-empty filter.
func (s Subscription) Matches(evt *events.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, evt.Type) {
		return false
	}
	if len(s.Flights) > 0 {
		flight := evt.Flight.Hex()
		if !slices.ContainsFunc(s.Flights, func(a string) bool { return strings.EqualFold(a, flight) }) {
			return false
		}
	}
	if len(s.Participants) > 0 && !slices.ContainsFunc(s.Participants, evt.Involves) {
		return false
	}
	return true
}

// subscriptionFromQuery builds the initial filter from ?flight=&participant=&type=.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{
		Flights:      q["flight"],
		Participants: q["participant"],
	}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, events.Type(t))
	}
	sub.AllEvents = len(sub.Flights) == 0 && len(sub.Participants) == 0 && len(sub.EventTypes) == 0
	return sub
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans committed events out to WebSocket clients. It implements
// events.Emitter. All membership changes go through Run.
type Hub struct {
	clients    map[*Client]struct{}
	mu         sync.RWMutex
	broadcast  chan *events.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits
	maxClients int
	logger     *slog.Logger

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug("client disconnected", "total", h.count())
		case evt := <-h.broadcast:
			h.fanout(evt)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "total", n)
}

// drop removes c and closes its send channel, which makes writePump send a
// close frame. Safe to call for a client already dropped.
func (h *Hub) drop(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) closeAll() {
	h.logger.Info("realtime hub shutting down, closing client connections")
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.drop(all...)
}

func (h *Hub) fanout(evt *events.Event) {
	h.totalEvents.Add(1)
	msg := events.Marshal(*evt)

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(evt) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.drop(slow...)
		h.logger.Warn("dropped slow websocket clients", "count", len(slow), "tx_id", evt.TxID)
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit queues a committed event for broadcast. It never blocks.
func (h *Hub) Emit(_ context.Context, evt events.Event) {
	h.Broadcast(&evt)
}

// Broadcast queues an event for every matching client. Events are dropped
// when the queue is full.
func (h *Hub) Broadcast(evt *events.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"type", string(evt.Type), "tx_id", evt.TxID)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	return Stats{
		ConnectedClients: h.count(),
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.count() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, subscriptionFromQuery(r))
	h.register <- c
	go c.writePump()
	go c.readPump()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
