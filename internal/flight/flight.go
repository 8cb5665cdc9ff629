// Package flight implements the per-flight delay-insurance escrow.
//
// Flow:
//  1. The registry opens an escrow holding the operator's bond
//  2. Passengers buy tickets; each fare is paid into the escrow
//  3. After the delay threshold the authority may open a dispute by staking
//     the dispute fee, then rule on it
//  4. Funds leave only through single-claim paths: the operator withdrawal,
//     passenger refunds, or the dispute raiser's claim
//
// Every operation runs as one transaction on the global log: the state
// transition and its fund transfers commit together or not at all.
package flight

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the state of a flight escrow.
type Status string

const (
	StatusActive   Status = "active"   // Selling tickets, no dispute
	StatusDisputed Status = "disputed" // Authority opened a delay dispute
	StatusSettled  Status = "settled"  // Terminal; payouts available
)

// Code returns the numeric form of a status (0 active, 1 disputed, 2 settled).
func (s Status) Code() int {
	switch s {
	case StatusDisputed:
		return 1
	case StatusSettled:
		return 2
	}
	return 0
}

// Fixed timing parameters shared by every flight.
const (
	DelayLimit   = 10800 * time.Second  // 3h after departure
	WithdrawWait = 172800 * time.Second // 48h after departure
)

// Passenger is one ticket entry. A buyer may hold several.
type Passenger struct {
	Buyer    common.Address `json:"buyer"`
	Name     string         `json:"name"`
	Refunded bool           `json:"refunded"`
}

// Config is fixed when the escrow is opened.
type Config struct {
	Address        common.Address
	Factory        common.Address
	Operator       common.Address
	Authority      common.Address
	Departure      time.Time
	DepartureCode  common.Hash
	ArrivalCode    common.Hash
	BaseFare       *big.Int
	Bond           *big.Int
	DisputeFee     *big.Int
	DelayLimit     time.Duration
	WithdrawWait   time.Duration
	PassengerLimit int
}

// DisputeOpensAt is the earliest time a delay dispute may be raised.
func (c *Config) DisputeOpensAt() time.Time {
	return c.Departure.Add(c.DelayLimit)
}

// WithdrawOpensAt is the earliest time the operator may withdraw. It is also
// the last moment a dispute may be raised.
func (c *Config) WithdrawOpensAt() time.Time {
	return c.Departure.Add(c.WithdrawWait)
}

// Flight is one escrow: its config plus mutable state.
type Flight struct {
	Config

	Status         Status
	Passengers     []Passenger
	DisputeRaiser  *common.Address
	DecisionReason string
	ShouldRefund   bool
	OperatorPaid   bool
	RaiserClaimed  bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SettledAt      *time.Time
}

// PassengerCount returns the number of tickets sold.
func (f *Flight) PassengerCount() int {
	return len(f.Passengers)
}

// Clone returns a copy safe to mutate without touching f.
func (f *Flight) Clone() *Flight {
	cp := *f
	cp.Passengers = append([]Passenger(nil), f.Passengers...)
	if f.DisputeRaiser != nil {
		r := *f.DisputeRaiser
		cp.DisputeRaiser = &r
	}
	if f.SettledAt != nil {
		t := *f.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// Outstanding returns what the escrow still owes across all payout paths.
// While the operator can still win, that is everything paid in.
func (f *Flight) Outstanding() *big.Int {
	out := new(big.Int)
	if f.OperatorPaid {
		return out
	}
	if f.Status == StatusSettled && f.ShouldRefund {
		for _, p := range f.Passengers {
			if !p.Refunded {
				out.Add(out, f.BaseFare)
			}
		}
		if !f.RaiserClaimed {
			out.Add(out, f.Bond)
			out.Add(out, f.DisputeFee)
		}
		return out
	}
	out.Add(out, f.Bond)
	out.Add(out, new(big.Int).Mul(f.BaseFare, big.NewInt(int64(len(f.Passengers)))))
	if f.DisputeRaiser != nil {
		out.Add(out, f.DisputeFee)
	}
	return out
}

// Store persists flight data.
type Store interface {
	Create(ctx context.Context, f *Flight) error
	Get(ctx context.Context, addr common.Address) (*Flight, error)
	Update(ctx context.Context, f *Flight) error
	// Delete removes a flight whose opening transaction failed.
	Delete(ctx context.Context, addr common.Address) error
	List(ctx context.Context, limit int) ([]*Flight, error)
	// ListDue returns flights whose operator withdrawal could succeed at
	// before: not paid, not disputed, not forfeited, window elapsed.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Flight, error)
}

// Transfer is a fund movement applied atomically with a transition.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// LedgerService abstracts ledger operations so flight doesn't import ledger.
type LedgerService interface {
	Transfer(ctx context.Context, reference string, legs ...Transfer) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}
