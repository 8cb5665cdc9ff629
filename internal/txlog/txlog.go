// Package txlog serializes every state-changing operation into a single,
// totally ordered log.
//
// Flow:
//  1. Caller submits a Tx together with the function that applies it
//  2. The log takes its global lock, reads the clock once and applies the Tx
//  3. The outcome is recorded as a Receipt (success or reverted)
//  4. The lock is released, then on success the Tx's events are emitted
//     exactly once, in log order
//
// No two transactions interleave, across all escrows and the registry. With
// an Atomic unit configured, every store write an ApplyFunc makes commits
// or rolls back as one database transaction.
package txlog

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/idgen"
	"github.com/parv3213/flight-escrow/internal/metrics"
	"github.com/parv3213/flight-escrow/internal/syncutil"
	"github.com/parv3213/flight-escrow/internal/traces"
)

var ErrReceiptNotFound = errors.New("receipt not found")

// Kind names the operation a transaction performs.
type Kind string

const (
	KindDeposit          Kind = "deposit"
	KindCreateFlight     Kind = "create_flight"
	KindBuyTicket        Kind = "buy_ticket"
	KindRaiseDispute     Kind = "raise_delay_dispute"
	KindResolveDispute   Kind = "resolve_dispute"
	KindOperatorWithdraw Kind = "operator_withdraw"
	KindPassengerRefund  Kind = "passenger_refund"
	KindRaiserClaim      Kind = "dispute_raiser_claim"
)

// Status is the outcome of an applied transaction.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
)

// CodeInternal is recorded when a transaction fails for a reason other than
// a precondition revert.
const CodeInternal = "internal_error"

// Tx is a request to change state. From is the caller identity; To is the
// escrow (or registry) the transaction targets.
type Tx struct {
	ID    string
	Kind  Kind
	From  common.Address
	To    common.Address
	Value *big.Int
	Args  map[string]string
}

// Receipt records how a transaction was applied.
type Receipt struct {
	TxID         string            `json:"txId"`
	Seq          uint64            `json:"seq"`
	Kind         Kind              `json:"kind"`
	From         common.Address    `json:"from"`
	To           common.Address    `json:"to"`
	Value        string            `json:"value"`
	Args         map[string]string `json:"args,omitempty"`
	Status       Status            `json:"status"`
	RevertCode   string            `json:"revertCode,omitempty"`
	RevertReason string            `json:"revertReason,omitempty"`
	Events       []events.Event    `json:"events"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Succeeded reports whether the transaction committed.
func (r *Receipt) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ApplyFunc applies a transaction at the given block time. It must either
// commit all of its effects and return the events to emit, or return an
// error having committed nothing.
type ApplyFunc func(ctx context.Context, now time.Time) ([]events.Event, error)

// Atomic runs fn so that the store writes made through its ctx commit
// together or not at all. fn's error is returned unchanged.
type Atomic interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

type direct struct{}

func (direct) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Store persists receipts.
type Store interface {
	Append(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, txID string) (*Receipt, error)
	ListByTarget(ctx context.Context, target common.Address, limit int) ([]*Receipt, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// Log is the single writer for all escrow state.
type Log struct {
	store   Store
	clock   Clock
	emitter events.Emitter
	atomic  Atomic
	logger  *slog.Logger
	mu      *syncutil.ContextMutex
	emits   *syncutil.Turnstile
	seq     uint64 // guarded by mu
}

// New creates a transaction log.
func New(store Store, clock Clock, logger *slog.Logger) *Log {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:   store,
		clock:   clock,
		emitter: events.NoopEmitter{},
		atomic:  direct{},
		logger:  logger,
		mu:      syncutil.NewContextMutex(),
		emits:   syncutil.NewTurnstile(1),
	}
}

// WithEmitter sets the emitter that receives committed events.
func (l *Log) WithEmitter(e events.Emitter) *Log {
	if e == nil {
		e = events.NoopEmitter{}
	}
	l.emitter = e
	return l
}

// WithAtomic makes every ApplyFunc run inside a unit of work.
func (l *Log) WithAtomic(a Atomic) *Log {
	if a == nil {
		a = direct{}
	}
	l.atomic = a
	return l
}

// Recover resumes sequence numbering from the store. Call once at startup.
func (l *Log) Recover(ctx context.Context) error {
	unlock, err := l.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	last, err := l.store.LastSeq(ctx)
	if err != nil {
		return err
	}
	l.seq = last
	l.emits.Reset(last + 1)
	return nil
}

// Now returns the log's notion of current time.
func (l *Log) Now() time.Time {
	return l.clock.Now()
}

// Submit orders tx after every previously submitted transaction and applies
// it. A reverted transaction returns both its receipt and the revert error.
// If ctx ends before the transaction is ordered, nothing is recorded and the
// context error is returned; once ordered, the transaction runs to completion
// regardless of ctx.
func (l *Log) Submit(ctx context.Context, tx *Tx, apply ApplyFunc) (*Receipt, error) {
	if tx.ID == "" {
		tx.ID = idgen.TxHash()
	}

	ctx, span := traces.StartSpan(ctx, "tx."+string(tx.Kind),
		traces.TxID(tx.ID),
		traces.TxKind(string(tx.Kind)),
		traces.Caller(tx.From.Hex()),
		traces.FlightAddr(tx.To.Hex()),
		traces.Amount(ether.Format(tx.Value)),
	)
	defer span.End()

	unlock, err := l.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	receipt, applyErr := func() (*Receipt, error) {
		defer unlock()
		return l.commit(ctx, tx, apply)
	}()

	// Emission happens outside the lock so a slow emitter never stalls the
	// next transaction; the turnstile keeps events in log order.
	l.emits.Wait(receipt.Seq)
	defer l.emits.Done(receipt.Seq)

	if applyErr != nil {
		traces.Fail(span, applyErr)
		span.SetAttributes(traces.RevertCode(receipt.RevertCode))
		return receipt, applyErr
	}
	for _, e := range receipt.Events {
		l.emitter.Emit(ctx, e)
	}
	return receipt, nil
}

// commit applies tx and records its receipt. Callers hold mu.
func (l *Log) commit(ctx context.Context, tx *Tx, apply ApplyFunc) (*Receipt, error) {
	start := time.Now()
	now := l.clock.Now()
	l.seq++

	receipt := &Receipt{
		TxID:      tx.ID,
		Seq:       l.seq,
		Kind:      tx.Kind,
		From:      tx.From,
		To:        tx.To,
		Value:     ether.Format(tx.Value),
		Args:      tx.Args,
		Status:    StatusSuccess,
		Events:    []events.Event{},
		Timestamp: now,
	}

	var evts []events.Event
	applyErr := l.atomic.Atomically(ctx, func(ctx context.Context) error {
		var err error
		evts, err = apply(ctx, now)
		return err
	})
	if applyErr != nil {
		receipt.Status = StatusReverted
		receipt.RevertReason = applyErr.Error()
		if code, ok := RevertCode(applyErr); ok {
			receipt.RevertCode = code
		} else {
			receipt.RevertCode = CodeInternal
			l.logger.Error("transaction failed",
				"tx_id", tx.ID, "kind", string(tx.Kind), "error", applyErr)
		}
		metrics.RevertsTotal.WithLabelValues(receipt.RevertCode).Inc()
	} else {
		for _, e := range evts {
			e.TxID = tx.ID
			e.Seq = receipt.Seq
			e.Timestamp = now
			receipt.Events = append(receipt.Events, e)
		}
	}

	if err := l.store.Append(ctx, receipt); err != nil {
		// State is already committed; the receipt is the only thing lost.
		l.logger.Error("CRITICAL: failed to record receipt",
			"tx_id", tx.ID, "seq", receipt.Seq, "status", string(receipt.Status), "error", err)
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.Kind), string(receipt.Status)).Inc()
	metrics.TransactionDuration.WithLabelValues(string(tx.Kind)).Observe(time.Since(start).Seconds())
	return receipt, applyErr
}

// Get returns the receipt for a transaction.
func (l *Log) Get(ctx context.Context, txID string) (*Receipt, error) {
	return l.store.Get(ctx, txID)
}

// ListByTarget returns the most recent receipts for an escrow, newest first.
func (l *Log) ListByTarget(ctx context.Context, target common.Address, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByTarget(ctx, target, limit)
}
