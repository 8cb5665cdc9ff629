package flight

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/dbtx"
	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/metrics"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

// Sequencer orders transactions. Satisfied by *txlog.Log.
type Sequencer interface {
	Submit(ctx context.Context, tx *txlog.Tx, apply txlog.ApplyFunc) (*txlog.Receipt, error)
	Now() time.Time
}

// Service implements flight escrow business logic.
type Service struct {
	store  Store
	ledger LedgerService
	seq    Sequencer
	logger *slog.Logger
}

// NewService creates a new flight escrow service.
func NewService(store Store, ledger LedgerService, seq Sequencer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ledger: ledger,
		seq:    seq,
		logger: logger,
	}
}

// Open records a new escrow in the active state. It runs inside the
// registry's creation transaction, which funds the bond; it must not submit
// a transaction of its own.
func (s *Service) Open(ctx context.Context, cfg Config, now time.Time) (*Flight, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	f := &Flight{
		Config:     cfg,
		Status:     StatusActive,
		Passengers: []Passenger{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, f); err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// Discard removes an escrow whose opening transaction failed after Open.
func (s *Service) Discard(ctx context.Context, addr common.Address) error {
	return s.store.Delete(ctx, addr)
}

func validateConfig(cfg *Config) error {
	switch {
	case cfg.Address == (common.Address{}):
		return fmt.Errorf("%w: address required", ErrInvalidConfig)
	case cfg.Operator == (common.Address{}):
		return fmt.Errorf("%w: operator required", ErrInvalidConfig)
	case cfg.Authority == (common.Address{}):
		return fmt.Errorf("%w: authority required", ErrInvalidConfig)
	case cfg.BaseFare == nil || cfg.BaseFare.Sign() <= 0:
		return fmt.Errorf("%w: base fare must be positive", ErrInvalidConfig)
	case cfg.Bond == nil || cfg.Bond.Sign() < 0:
		return fmt.Errorf("%w: bond must not be negative", ErrInvalidConfig)
	case cfg.DisputeFee == nil || cfg.DisputeFee.Sign() <= 0:
		return fmt.Errorf("%w: dispute fee must be positive", ErrInvalidConfig)
	case cfg.PassengerLimit < 0:
		return fmt.Errorf("%w: passenger limit must not be negative", ErrInvalidConfig)
	case cfg.Departure.IsZero():
		return fmt.Errorf("%w: departure required", ErrInvalidConfig)
	}
	if cfg.DelayLimit <= 0 {
		cfg.DelayLimit = DelayLimit
	}
	if cfg.WithdrawWait <= 0 {
		cfg.WithdrawWait = WithdrawWait
	}
	if cfg.WithdrawWait < cfg.DelayLimit {
		return fmt.Errorf("%w: withdraw wait shorter than delay limit", ErrInvalidConfig)
	}
	return nil
}

// Get returns a flight by address.
func (s *Service) Get(ctx context.Context, addr common.Address) (*Flight, error) {
	return s.store.Get(ctx, addr)
}

// Balance returns the escrow's current ledger balance.
func (s *Service) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return s.ledger.BalanceOf(ctx, addr)
}

// List returns flights, most recently created first.
func (s *Service) List(ctx context.Context, limit int) ([]*Flight, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// BuyTicket sells one ticket to caller at exactly the base fare.
func (s *Service) BuyTicket(ctx context.Context, addr, caller common.Address, name string, value *big.Int) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind:  txlog.KindBuyTicket,
		From:  caller,
		To:    addr,
		Value: value,
		Args:  map[string]string{"name": name},
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.buyTicket(e, caller, name, value)
	})
	if err == nil {
		metrics.TicketsSoldTotal.Inc()
	}
	return f, receipt, err
}

// RaiseDelayDispute opens a dispute, staking the dispute fee. Authority only.
func (s *Service) RaiseDelayDispute(ctx context.Context, addr, caller common.Address, value *big.Int) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind:  txlog.KindRaiseDispute,
		From:  caller,
		To:    addr,
		Value: value,
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.raiseDelayDispute(e, caller, value)
	})
	if err == nil {
		metrics.DisputesTotal.WithLabelValues("opened").Inc()
	}
	return f, receipt, err
}

// ResolveDispute records the authority's ruling. No funds move.
func (s *Service) ResolveDispute(ctx context.Context, addr, caller common.Address, reason string, refund bool) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind: txlog.KindResolveDispute,
		From: caller,
		To:   addr,
		Args: map[string]string{"reason": reason, "refund": strconv.FormatBool(refund)},
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.resolveDispute(e, caller, reason, refund)
	})
	if err == nil {
		stage := "resolved_no_refund"
		if refund {
			stage = "resolved_refund"
		}
		metrics.DisputesTotal.WithLabelValues(stage).Inc()
	}
	return f, receipt, err
}

// OperatorWithdraw pays the escrow balance to the operator. Any caller may
// trigger it.
func (s *Service) OperatorWithdraw(ctx context.Context, addr, caller common.Address) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind: txlog.KindOperatorWithdraw,
		From: caller,
		To:   addr,
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.operatorWithdraw(e)
	})
	if err == nil {
		observePayout("operator", receipt)
	}
	return f, receipt, err
}

// PassengerRefund pays the caller's unrefunded fares after a refund ruling.
func (s *Service) PassengerRefund(ctx context.Context, addr, caller common.Address) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind: txlog.KindPassengerRefund,
		From: caller,
		To:   addr,
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.passengerRefund(e, caller)
	})
	if err == nil {
		observePayout("refund", receipt)
	}
	return f, receipt, err
}

// DisputeRaiserClaim pays the raiser its stake plus the forfeited bond.
func (s *Service) DisputeRaiserClaim(ctx context.Context, addr, caller common.Address) (*Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind: txlog.KindRaiserClaim,
		From: caller,
		To:   addr,
	}
	f, receipt, err := s.execute(ctx, tx, func(f *Flight, e env) (*effects, error) {
		return f.disputeRaiserClaim(e, caller)
	})
	if err == nil {
		observePayout("raiser", receipt)
	}
	return f, receipt, err
}

// execute runs step as one transaction: load, transition a clone, move funds,
// persist. Under a database unit the rollback undoes the transfers when
// persisting fails; otherwise they are reversed here so the transaction
// leaves nothing behind.
func (s *Service) execute(ctx context.Context, tx *txlog.Tx, step func(*Flight, env) (*effects, error)) (*Flight, *txlog.Receipt, error) {
	var result *Flight

	receipt, err := s.seq.Submit(ctx, tx, func(ctx context.Context, now time.Time) ([]events.Event, error) {
		current, err := s.store.Get(ctx, tx.To)
		if err != nil {
			return nil, err
		}
		balance, err := s.ledger.BalanceOf(ctx, current.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to read escrow balance: %w", err)
		}

		next := current.Clone()
		eff, err := step(next, env{now: now, balance: balance})
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = now

		if err := s.ledger.Transfer(ctx, tx.ID, eff.transfers...); err != nil {
			return nil, fmt.Errorf("failed to move escrow funds: %w", err)
		}
		if err := s.store.Update(ctx, next); err != nil {
			if !dbtx.Active(ctx) {
				if cerr := s.ledger.Transfer(ctx, tx.ID+":reverse", reverse(eff.transfers)...); cerr != nil {
					s.logger.Error("CRITICAL: flight update failed and transfers could not be reversed",
						"flight", next.Address.Hex(), "tx_id", tx.ID, "error", cerr)
				}
			}
			return nil, fmt.Errorf("failed to update flight: %w", err)
		}

		result = next
		return eff.events, nil
	})
	if err != nil {
		return nil, receipt, err
	}
	return result, receipt, nil
}

func reverse(transfers []Transfer) []Transfer {
	out := make([]Transfer, 0, len(transfers))
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		out = append(out, Transfer{From: t.To, To: t.From, Amount: t.Amount})
	}
	return out
}

func observePayout(kind string, receipt *txlog.Receipt) {
	metrics.PayoutsTotal.WithLabelValues(kind).Inc()
	for _, e := range receipt.Events {
		if v, ok := ether.Parse(e.Data["amount"]); ok && v.Sign() > 0 {
			f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
			metrics.PayoutEther.WithLabelValues(kind).Add(f)
		}
	}
}
