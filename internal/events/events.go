// Package events defines the observable side effects of escrow transactions
// and the emitters that fan them out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Type identifies an event.
type Type string

const (
	FlightCreated   Type = "flight.created"
	TicketPurchased Type = "ticket.purchased"
	DisputeOpened   Type = "dispute.opened"
	DisputeResolved Type = "dispute.resolved"
	Withdrawal      Type = "withdrawal"
	Refund          Type = "refund"
	RaiserClaimed   Type = "dispute.claimed"
	Deposit         Type = "deposit"
)

// Types lists every event type in lifecycle order.
var Types = []Type{
	FlightCreated, TicketPurchased, DisputeOpened, DisputeResolved,
	Withdrawal, Refund, RaiserClaimed, Deposit,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// ParticipantKeys are the data fields that carry an account address.
var ParticipantKeys = []string{"buyer", "raiser", "operator", "payee", "escrow", "account"}

// Event is emitted exactly once per successful state-changing transaction.
// TxID and Seq are stamped by the transaction log when the transaction
// commits.
type Event struct {
	Type      Type              `json:"type"`
	Flight    common.Address    `json:"flight"`
	TxID      string            `json:"txId,omitempty"`
	Seq       uint64            `json:"seq,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// New builds an event for a flight. kv is a flat list of key/value pairs.
func New(t Type, flight common.Address, kv ...string) Event {
	data := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	return Event{Type: t, Flight: flight, Data: data}
}

// Involves reports whether addr appears in any participant field.
// Comparison is case-insensitive.
func (e Event) Involves(addr string) bool {
	for _, key := range ParticipantKeys {
		if v, ok := e.Data[key]; ok && strings.EqualFold(v, addr) {
			return true
		}
	}
	return false
}

// Emitter receives committed events. Implementations must not block the
// caller for long; failures are logged, never returned.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, evt)
		}
	}
}

// LogEmitter writes each event as a structured log line.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter backed by logger.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, evt Event) {
	attrs := []any{
		"type", string(evt.Type),
		"flight", evt.Flight.Hex(),
		"tx_id", evt.TxID,
		"seq", evt.Seq,
	}
	for k, v := range evt.Data {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "escrow event", attrs...)
}

// Marshal encodes an event for transports (Redis, WebSocket).
func Marshal(evt Event) []byte {
	data, _ := json.Marshal(evt)
	return data
}
