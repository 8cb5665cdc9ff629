// Package factory implements the escrow registry: it validates the
// operator's bond, opens a flight escrow funded with it, and keeps an ordered
// list of every escrow it created.
package factory

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/parv3213/flight-escrow/internal/flight"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

var (
	ErrIncorrectBondAmount = txlog.NewRevert("incorrect_bond_amount", "provide correct bond amount")
	ErrIndexOutOfRange     = txlog.NewRevert("index_out_of_range", "index out of range")
	ErrInvalidFlightParams = txlog.NewRevert("invalid_flight_params", "invalid flight parameters")
)

var (
	// ErrEntryExists is returned by stores when an index is already taken.
	ErrEntryExists   = errors.New("registry entry already exists")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Entry is one escrow in creation order.
type Entry struct {
	Index     int            `json:"index"`
	Flight    common.Address `json:"flight"`
	Operator  common.Address `json:"operator"`
	TxID      string         `json:"txId"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists the ordered registry.
type Store interface {
	// Append adds e at position e.Index, which must equal the current count.
	Append(ctx context.Context, e *Entry) error
	Count(ctx context.Context) (int, error)
	At(ctx context.Context, index int) (*Entry, error)
	// List returns entries with Index >= from in ascending order.
	List(ctx context.Context, from, limit int) ([]*Entry, error)
}

// Opener opens and discards escrows. Satisfied by *flight.Service.
type Opener interface {
	Open(ctx context.Context, cfg flight.Config, now time.Time) (*flight.Flight, error)
	Discard(ctx context.Context, addr common.Address) error
}

// Sequencer orders transactions. Satisfied by *txlog.Log.
type Sequencer interface {
	Submit(ctx context.Context, tx *txlog.Tx, apply txlog.ApplyFunc) (*txlog.Receipt, error)
}

// Params describe a new flight. Route codes are free text ("Delhi") or an
// already hashed 32-byte hex code.
type Params struct {
	Departure      time.Time
	DepartureCode  string
	ArrivalCode    string
	BaseFare       *big.Int
	PassengerLimit int
}

// RouteCode turns a route string into the fixed-size identifier stored on the
// escrow.
func RouteCode(s string) common.Hash {
	s = strings.TrimSpace(s)
	if len(s) == 66 && strings.HasPrefix(s, "0x") {
		if b, err := hexutil.Decode(s); err == nil {
			return common.BytesToHash(b)
		}
	}
	return crypto.Keccak256Hash([]byte(s))
}

// EscrowAddress derives the address of the escrow created at nonce.
func EscrowAddress(factory common.Address, nonce int) common.Address {
	return crypto.CreateAddress(factory, uint64(nonce))
}
