package flight

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/metrics"
)

// Settler periodically pays out flights whose withdrawal window has passed
// without a dispute. Operator withdrawal is callable by anyone, so the keeper
// needs no special authority; the funds still only go to the operator.
type Settler struct {
	service  *Service
	store    Store
	keeper   common.Address
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSettler creates a settlement keeper submitting as keeper.
func NewSettler(service *Service, store Store, keeper common.Address, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		service:  service,
		store:    store,
		keeper:   keeper,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (s *Settler) WithInterval(d time.Duration) *Settler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the keeper loop is actively running.
func (s *Settler) Running() bool {
	return s.running.Load()
}

// Start begins the settlement loop. Call in a goroutine.
func (s *Settler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the keeper to stop.
func (s *Settler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Settler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SettlerRunsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in settlement keeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep withdraws every due flight once and returns how many were paid.
// Due-ness is judged against the log's clock, the same clock the withdrawal
// itself is checked against.
func (s *Settler) Sweep(ctx context.Context) int {
	now := s.service.seq.Now()

	due, err := s.store.ListDue(ctx, now, s.batch)
	if err != nil {
		metrics.SettlerRunsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("failed to list due flights", "error", err)
		return 0
	}

	paid := 0
	for _, f := range due {
		if ctx.Err() != nil {
			break
		}
		settled, receipt, err := s.service.OperatorWithdraw(ctx, f.Address, s.keeper)
		if err != nil {
			// Another caller may have withdrawn or disputed in between.
			s.logger.Warn("failed to settle flight",
				"flight", f.Address.Hex(),
				"error", err,
			)
			continue
		}
		paid++
		s.logger.Info("settled flight",
			"flight", settled.Address.Hex(),
			"operator", settled.Operator.Hex(),
			"passengers", settled.PassengerCount(),
			"tx_id", receipt.TxID,
		)
	}

	result := "idle"
	if paid > 0 {
		result = "settled"
	}
	metrics.SettlerRunsTotal.WithLabelValues(result).Inc()
	return paid
}
