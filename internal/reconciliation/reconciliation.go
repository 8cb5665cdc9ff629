// Package reconciliation checks that the fund ledger is internally consistent
// and that every escrow holds at least what it still owes.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/flight"
	"github.com/parv3213/flight-escrow/internal/ledger"
)

// LedgerReconciler replays the ledger journal. Satisfied by *ledger.Ledger.
type LedgerReconciler interface {
	Reconcile(ctx context.Context) (*ledger.ReconcileReport, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// FlightLister enumerates escrows. Satisfied by *flight.Service.
type FlightLister interface {
	List(ctx context.Context, limit int) ([]*flight.Flight, error)
}

// EscrowCheck compares one escrow's balance against what it still owes.
type EscrowCheck struct {
	Flight      common.Address `json:"flight"`
	Status      flight.Status  `json:"status"`
	Balance     string         `json:"balance"`
	Outstanding string         `json:"outstanding"`
	Diff        string         `json:"diff"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Ledger          *ledger.ReconcileReport `json:"ledger"`
	Flights         int                     `json:"flights"`
	Insolvent       []EscrowCheck           `json:"insolvent"`
	Surplus         []EscrowCheck           `json:"surplus"`
	RegistryBalance string                  `json:"registryBalance"`
	Healthy         bool                    `json:"healthy"`
	RanAt           time.Time               `json:"ranAt"`
	Duration        string                  `json:"duration"`
}

// Runner performs reconciliation checks.
type Runner struct {
	ledger   LedgerReconciler
	flights  FlightLister
	registry common.Address
	limit    int

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner. registry is the factory account,
// which must never hold funds between transactions.
func NewRunner(l LedgerReconciler, flights FlightLister, registry common.Address) *Runner {
	return &Runner{
		ledger:   l,
		flights:  flights,
		registry: registry,
		limit:    500,
	}
}

// RunAll runs every check and records the report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	ledgerReport, err := r.ledger.Reconcile(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("ledger reconcile: %w", err)
	}

	flights, err := r.flights.List(ctx, r.limit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list flights: %w", err)
	}

	report := &Report{
		Ledger:    ledgerReport,
		Flights:   len(flights),
		Insolvent: []EscrowCheck{},
		Surplus:   []EscrowCheck{},
		RanAt:     start.UTC(),
	}
	for _, f := range flights {
		balance, err := r.ledger.BalanceOf(ctx, f.Address)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("balance of %s: %w", f.Address.Hex(), err)
		}
		owed := f.Outstanding()
		diff := new(big.Int).Sub(balance, owed)
		check := EscrowCheck{
			Flight:      f.Address,
			Status:      f.Status,
			Balance:     ether.Format(balance),
			Outstanding: ether.Format(owed),
			Diff:        ether.Format(diff),
		}
		switch diff.Sign() {
		case -1:
			report.Insolvent = append(report.Insolvent, check)
		case 1:
			report.Surplus = append(report.Surplus, check)
		}
	}

	registryBalance, err := r.ledger.BalanceOf(ctx, r.registry)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("registry balance: %w", err)
	}
	report.RegistryBalance = ether.Format(registryBalance)
	report.Healthy = ledgerReport.OK() && len(report.Insolvent) == 0 && registryBalance.Sign() == 0
	report.Duration = time.Since(start).String()

	reconcileLedgerMismatches.Set(float64(len(ledgerReport.Mismatches)))
	reconcileInsolventEscrows.Set(float64(len(report.Insolvent)))
	reconcileSurplusEscrows.Set(float64(len(report.Surplus)))
	if report.Healthy {
		reconcileHealthy.Set(1)
	} else {
		reconcileHealthy.Set(0)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
