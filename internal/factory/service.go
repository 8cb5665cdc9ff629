package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/dbtx"
	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/flight"
	"github.com/parv3213/flight-escrow/internal/metrics"
	"github.com/parv3213/flight-escrow/internal/pagination"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

// Config fixes the registry's identity and pricing.
type Config struct {
	Address       common.Address
	Authority     common.Address
	BondBps       int64 // required bond as a share of the base fare
	DisputeFeeBps int64 // dispute stake as a share of the base fare
}

// Service implements the escrow registry.
type Service struct {
	cfg     Config
	store   Store
	flights Opener
	ledger  flight.LedgerService
	seq     Sequencer
	logger  *slog.Logger
}

// NewService creates a new registry service.
func NewService(cfg Config, store Store, flights Opener, ledger flight.LedgerService, seq Sequencer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BondBps <= 0 {
		cfg.BondBps = 5000
	}
	if cfg.DisputeFeeBps <= 0 {
		cfg.DisputeFeeBps = 2500
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		flights: flights,
		ledger:  ledger,
		seq:     seq,
		logger:  logger,
	}
}

// Address is the registry's own account. Its balance is zero between
// transactions.
func (s *Service) Address() common.Address {
	return s.cfg.Address
}

// EscrowAuthority is the arbitration identity shared by every escrow.
func (s *Service) EscrowAuthority() common.Address {
	return s.cfg.Authority
}

// RequiredBond returns the bond an operator must post for baseFare.
func (s *Service) RequiredBond(baseFare *big.Int) *big.Int {
	return ether.MulBps(baseFare, s.cfg.BondBps)
}

// DisputeFee returns the stake the authority posts to dispute a flight.
func (s *Service) DisputeFee(baseFare *big.Int) *big.Int {
	return ether.MulBps(baseFare, s.cfg.DisputeFeeBps)
}

// CreateFlight opens a new escrow operated by caller and funds it with bond.
// The bond passes through the registry account within the same batch, so
// the registry never holds funds after the call.
func (s *Service) CreateFlight(ctx context.Context, caller common.Address, p Params, bond *big.Int) (*Entry, *flight.Flight, *txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind:  txlog.KindCreateFlight,
		From:  caller,
		To:    s.cfg.Address,
		Value: bond,
		Args: map[string]string{
			"departure":      p.Departure.UTC().Format(time.RFC3339),
			"departureCode":  p.DepartureCode,
			"arrivalCode":    p.ArrivalCode,
			"baseFare":       ether.Format(p.BaseFare),
			"passengerLimit": strconv.Itoa(p.PassengerLimit),
		},
	}

	var (
		entry  *Entry
		opened *flight.Flight
	)
	receipt, err := s.seq.Submit(ctx, tx, func(ctx context.Context, now time.Time) ([]events.Event, error) {
		if p.BaseFare == nil || p.BaseFare.Sign() <= 0 {
			return nil, fmt.Errorf("%w: base fare must be positive", ErrInvalidFlightParams)
		}
		if bond == nil || bond.Cmp(s.RequiredBond(p.BaseFare)) != 0 {
			return nil, ErrIncorrectBondAmount
		}

		count, err := s.store.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read registry count: %w", err)
		}
		addr := EscrowAddress(s.cfg.Address, count)

		f, err := s.flights.Open(ctx, flight.Config{
			Address:        addr,
			Factory:        s.cfg.Address,
			Operator:       caller,
			Authority:      s.cfg.Authority,
			Departure:      p.Departure.UTC(),
			DepartureCode:  RouteCode(p.DepartureCode),
			ArrivalCode:    RouteCode(p.ArrivalCode),
			BaseFare:       new(big.Int).Set(p.BaseFare),
			Bond:           new(big.Int).Set(bond),
			DisputeFee:     s.DisputeFee(p.BaseFare),
			PassengerLimit: p.PassengerLimit,
		}, now)
		if err != nil {
			if errors.Is(err, flight.ErrInvalidConfig) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFlightParams, err)
			}
			return nil, fmt.Errorf("failed to open escrow: %w", err)
		}

		legs := []flight.Transfer{
			{From: caller, To: s.cfg.Address, Amount: bond},
			{From: s.cfg.Address, To: addr, Amount: bond},
		}
		if err := s.ledger.Transfer(ctx, tx.ID, legs...); err != nil {
			s.discard(ctx, addr, tx.ID)
			return nil, fmt.Errorf("failed to fund escrow: %w", err)
		}

		e := &Entry{Index: count, Flight: addr, Operator: caller, TxID: tx.ID, CreatedAt: now}
		if err := s.store.Append(ctx, e); err != nil {
			if !dbtx.Active(ctx) {
				reverse := []flight.Transfer{{From: addr, To: caller, Amount: bond}}
				if rerr := s.ledger.Transfer(ctx, tx.ID+":reverse", reverse...); rerr != nil {
					s.logger.Error("CRITICAL: registry append failed and bond could not be returned",
						"flight", addr.Hex(), "tx_id", tx.ID, "error", rerr)
				}
			}
			s.discard(ctx, addr, tx.ID)
			return nil, fmt.Errorf("failed to record escrow: %w", err)
		}

		entry, opened = e, f
		return []events.Event{events.New(events.FlightCreated, addr,
			"escrow", addr.Hex(),
			"operator", caller.Hex(),
			"index", strconv.Itoa(count),
			"bond", ether.Format(bond),
		)}, nil
	})
	if err != nil {
		return nil, nil, receipt, err
	}

	metrics.FlightsCreatedTotal.Inc()
	s.logger.Info("flight escrow created",
		"flight", entry.Flight.Hex(),
		"operator", caller.Hex(),
		"index", entry.Index,
	)
	return entry, opened, receipt, nil
}

// discard drops an escrow that was opened but never funded. A database unit
// rolls the escrow back on its own.
func (s *Service) discard(ctx context.Context, addr common.Address, txID string) {
	if dbtx.Active(ctx) {
		return
	}
	if err := s.flights.Discard(ctx, addr); err != nil {
		s.logger.Error("CRITICAL: failed to discard unfunded escrow",
			"flight", addr.Hex(), "tx_id", txID, "error", err)
	}
}

// FlightCount returns the number of escrows created.
func (s *Service) FlightCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// FlightAt returns the escrow at index, 0-based.
func (s *Service) FlightAt(ctx context.Context, index int) (*Entry, error) {
	if index < 0 {
		return nil, ErrIndexOutOfRange
	}
	return s.store.At(ctx, index)
}

// Page is one page of registry entries in creation order.
type Page struct {
	Entries    []*Entry `json:"entries"`
	Count      int      `json:"count"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// List returns entries after cursor, oldest first.
func (s *Service) List(ctx context.Context, cursor string, limit int) (*Page, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if c != nil {
		at, err := s.store.At(ctx, c.Index)
		if err != nil || at.Flight != c.Key {
			return nil, ErrInvalidCursor
		}
	}

	items, err := s.store.List(ctx, c.Start(), limit+1)
	if err != nil {
		return nil, err
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Entry) (int, common.Address) {
		return e.Index, e.Flight
	})
	return &Page{Entries: items, Count: count, NextCursor: next, HasMore: more}, nil
}
