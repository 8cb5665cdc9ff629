package flight

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/events"
)

// env is what a transition may observe besides the flight itself. Both
// values are read once, before the transition runs.
type env struct {
	now     time.Time
	balance *big.Int
}

// effects are committed together with the transition or not at all.
type effects struct {
	transfers []Transfer
	events    []events.Event
}

// Transitions below mutate f in place and must only be called on a clone.
// Preconditions are checked in a fixed order so callers see a stable reason.

func (f *Flight) buyTicket(_ env, caller common.Address, name string, value *big.Int) (*effects, error) {
	if f.Status != StatusActive {
		return nil, ErrTicketSalesClosed
	}
	if value == nil || value.Cmp(f.BaseFare) != 0 {
		return nil, ErrIncorrectFareAmount
	}
	if f.PassengerLimit > 0 && len(f.Passengers) >= f.PassengerLimit {
		return nil, ErrPassengerLimitReached
	}

	f.Passengers = append(f.Passengers, Passenger{Buyer: caller, Name: name})

	return &effects{
		transfers: []Transfer{{From: caller, To: f.Address, Amount: new(big.Int).Set(value)}},
		events: []events.Event{events.New(events.TicketPurchased, f.Address,
			"buyer", caller.Hex(),
			"name", name,
			"index", strconv.Itoa(len(f.Passengers)-1),
		)},
	}, nil
}

func (f *Flight) raiseDelayDispute(e env, caller common.Address, value *big.Int) (*effects, error) {
	if caller != f.Authority {
		return nil, ErrNotAuthorized
	}
	if e.now.Before(f.DisputeOpensAt()) {
		return nil, ErrDelayThresholdNotReached
	}
	if value == nil || value.Cmp(f.DisputeFee) != 0 {
		return nil, ErrIncorrectDisputeFee
	}
	if f.Status != StatusActive {
		return nil, ErrDisputeNotAllowed
	}
	if e.now.After(f.WithdrawOpensAt()) {
		return nil, ErrDisputeWindowClosed
	}

	raiser := caller
	f.Status = StatusDisputed
	f.DisputeRaiser = &raiser

	return &effects{
		transfers: []Transfer{{From: caller, To: f.Address, Amount: new(big.Int).Set(value)}},
		events:    []events.Event{events.New(events.DisputeOpened, f.Address, "raiser", caller.Hex())},
	}, nil
}

func (f *Flight) resolveDispute(e env, caller common.Address, reason string, refund bool) (*effects, error) {
	if caller != f.Authority {
		return nil, ErrNotAuthorized
	}
	if f.Status != StatusDisputed {
		return nil, ErrNotInDispute
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	f.DecisionReason = reason
	f.ShouldRefund = refund
	f.settle(e.now)

	return &effects{
		events: []events.Event{events.New(events.DisputeResolved, f.Address,
			"reason", reason,
			"refund", strconv.FormatBool(refund),
		)},
	}, nil
}

// operatorWithdraw pays the whole escrow balance to the operator. Anyone may
// trigger it; the funds only ever go to the operator.
func (f *Flight) operatorWithdraw(e env) (*effects, error) {
	if e.now.Before(f.WithdrawOpensAt()) {
		return nil, ErrWithdrawalWindowNotReached
	}
	if f.Status == StatusDisputed {
		return nil, ErrDisputeInProgress
	}
	if f.Status == StatusSettled && f.ShouldRefund {
		return nil, ErrOperatorForfeited
	}
	if f.OperatorPaid {
		return nil, ErrAlreadyClaimed
	}

	amount := new(big.Int)
	if e.balance != nil {
		amount.Set(e.balance)
	}
	f.OperatorPaid = true
	f.settle(e.now)

	eff := &effects{
		events: []events.Event{events.New(events.Withdrawal, f.Address,
			"operator", f.Operator.Hex(),
			"amount", ether.Format(amount),
		)},
	}
	if amount.Sign() > 0 {
		eff.transfers = []Transfer{{From: f.Address, To: f.Operator, Amount: amount}}
	}
	return eff, nil
}

// passengerRefund pays the caller one fare for each of their unrefunded
// tickets.
func (f *Flight) passengerRefund(_ env, caller common.Address) (*effects, error) {
	if f.Status != StatusSettled {
		return nil, ErrNotYetSettled
	}
	if !f.ShouldRefund {
		return nil, ErrNoRefundAvailable
	}

	held, pending := 0, 0
	for _, p := range f.Passengers {
		if p.Buyer != caller {
			continue
		}
		held++
		if !p.Refunded {
			pending++
		}
	}
	if held == 0 {
		return nil, ErrNotEligible
	}
	if pending == 0 {
		return nil, ErrAlreadyClaimed
	}

	for i := range f.Passengers {
		if f.Passengers[i].Buyer == caller {
			f.Passengers[i].Refunded = true
		}
	}
	amount := new(big.Int).Mul(f.BaseFare, big.NewInt(int64(pending)))

	return &effects{
		transfers: []Transfer{{From: f.Address, To: caller, Amount: amount}},
		events: []events.Event{events.New(events.Refund, f.Address,
			"payee", caller.Hex(),
			"amount", ether.Format(amount),
			"tickets", strconv.Itoa(pending),
		)},
	}, nil
}

// disputeRaiserClaim returns the raiser's stake together with the bond the
// operator forfeited.
func (f *Flight) disputeRaiserClaim(_ env, caller common.Address) (*effects, error) {
	if f.Status != StatusSettled {
		return nil, ErrNotYetSettled
	}
	if !f.ShouldRefund {
		return nil, ErrNotEligible
	}
	if f.DisputeRaiser == nil || *f.DisputeRaiser != caller {
		return nil, ErrNotEligible
	}
	if f.RaiserClaimed {
		return nil, ErrAlreadyClaimed
	}

	amount := new(big.Int).Add(f.Bond, f.DisputeFee)
	f.RaiserClaimed = true

	return &effects{
		transfers: []Transfer{{From: f.Address, To: caller, Amount: amount}},
		events: []events.Event{events.New(events.RaiserClaimed, f.Address,
			"raiser", caller.Hex(),
			"amount", ether.Format(amount),
		)},
	}, nil
}

func (f *Flight) settle(now time.Time) {
	if f.Status == StatusSettled {
		return
	}
	f.Status = StatusSettled
	t := now
	f.SettledAt = &t
}
