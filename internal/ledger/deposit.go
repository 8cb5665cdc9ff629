package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

// SubmitDeposit credits an external deposit through the transaction log, so
// HTTP and on-chain deposits share ordering and receipts. A repeated txHash
// reverts with ErrDuplicateDeposit; a reserved account reverts with
// ErrReservedAccount.
func SubmitDeposit(ctx context.Context, seq Sequencer, l *Ledger, addr common.Address, amount *big.Int, txHash string) (*txlog.Receipt, error) {
	tx := &txlog.Tx{
		Kind:  txlog.KindDeposit,
		From:  addr,
		To:    addr,
		Value: amount,
		Args:  map[string]string{"txHash": txHash},
	}
	return seq.Submit(ctx, tx, func(ctx context.Context, _ time.Time) ([]events.Event, error) {
		if err := l.checkDepositable(ctx, addr); err != nil {
			return nil, err
		}
		if err := l.Deposit(ctx, addr, amount, txHash); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.Deposit, common.Address{},
			"account", addr.Hex(),
			"amount", ether.Format(amount),
			"txHash", txHash,
		)}, nil
	})
}
