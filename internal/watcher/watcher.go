// Package watcher credits on-chain ether deposits to the escrow ledger.
//
// Any transaction that sends value to the deposit address credits its
// sender once it has enough confirmations. The transaction hash makes the
// credit idempotent, so re-scanning a block is harmless.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/ledger"
	"github.com/parv3213/flight-escrow/internal/txlog"
)

// ChainReader is the slice of the RPC client the watcher needs.
// Satisfied by *ethclient.Client.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// Creditor records a deposit. A repeated txHash must fail with
// ledger.ErrDuplicateDeposit.
type Creditor interface {
	Credit(ctx context.Context, from common.Address, amount *big.Int, txHash string) (*txlog.Receipt, error)
}

// LedgerCreditor credits deposits through the transaction log.
type LedgerCreditor struct {
	Seq    ledger.Sequencer
	Ledger *ledger.Ledger
}

func (c LedgerCreditor) Credit(ctx context.Context, from common.Address, amount *big.Int, txHash string) (*txlog.Receipt, error) {
	return ledger.SubmitDeposit(ctx, c.Seq, c.Ledger, from, amount, txHash)
}

// Config for the deposit watcher
type Config struct {
	RPCURL         string
	DepositAddress common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = current head
	Confirmations  uint64
	MaxBlocks      uint64 // blocks scanned per poll
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		Confirmations: 3,
		MaxBlocks:     100,
	}
}

// Watcher polls the chain for deposits.
type Watcher struct {
	chain    ChainReader
	config   Config
	creditor Creditor
	logger   *slog.Logger

	signer    types.Signer
	lastBlock uint64

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// Dial connects to cfg.RPCURL and returns a watcher reading from it.
func Dial(ctx context.Context, cfg Config, creditor Creditor, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return New(client, cfg, creditor, logger), nil
}

// New creates a watcher over an existing chain reader.
func New(chain ChainReader, cfg Config, creditor Creditor, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = def.MaxBlocks
	}
	return &Watcher{
		chain:    chain,
		config:   cfg,
		creditor: creditor,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Init resolves the chain id and the first block to scan. Start calls it.
func (w *Watcher) Init(ctx context.Context) error {
	chainID, err := w.chain.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}
	w.signer = types.LatestSignerForChainID(chainID)

	if w.config.StartBlock > 0 {
		w.lastBlock = w.config.StartBlock - 1
		return nil
	}
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	w.lastBlock = head
	return nil
}

// Start initialises the watcher and polls in the background until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}

	w.logger.Info("deposit watcher started",
		"deposit_address", w.config.DepositAddress.Hex(),
		"start_block", w.lastBlock+1,
		"confirmations", w.config.Confirmations,
	)

	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if !w.running.Load() {
		return
	}
	close(w.stop)
	<-w.done
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

// Poll scans confirmed blocks since the last poll and returns how many
// deposits it credited. A block is only marked scanned once every deposit
// in it was credited or found to be a duplicate.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.config.Confirmations {
		return 0, nil
	}
	target := head - w.config.Confirmations
	if target <= w.lastBlock {
		return 0, nil
	}
	if target-w.lastBlock > w.config.MaxBlocks {
		target = w.lastBlock + w.config.MaxBlocks
	}

	credited := 0
	for n := w.lastBlock + 1; n <= target; n++ {
		block, err := w.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return credited, fmt.Errorf("failed to get block %d: %w", n, err)
		}
		c, err := w.scanBlock(ctx, block)
		credited += c
		if err != nil {
			return credited, err
		}
		w.lastBlock = n
	}
	return credited, nil
}

func (w *Watcher) scanBlock(ctx context.Context, block *types.Block) (int, error) {
	credited := 0
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != w.config.DepositAddress || tx.Value().Sign() <= 0 {
			continue
		}
		from, err := types.Sender(w.signer, tx)
		if err != nil {
			w.logger.Warn("skipping deposit with unrecoverable sender",
				"tx", tx.Hash().Hex(), "block", block.NumberU64(), "error", err)
			continue
		}

		txHash := tx.Hash().Hex()
		receipt, err := w.creditor.Credit(ctx, from, tx.Value(), txHash)
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			continue
		}
		if errors.Is(err, ledger.ErrReservedAccount) {
			w.logger.Warn("deposit from reserved account ignored",
				"account", from.Hex(), "tx", txHash, "block", block.NumberU64())
			continue
		}
		if err != nil {
			return credited, fmt.Errorf("failed to credit %s: %w", txHash, err)
		}
		credited++
		w.logger.Info("deposit credited",
			"account", from.Hex(),
			"amount", ether.Format(tx.Value()),
			"tx", txHash,
			"block", block.NumberU64(),
			"tx_id", receipt.TxID,
		)
	}
	return credited, nil
}
