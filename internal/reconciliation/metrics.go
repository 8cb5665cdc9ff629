package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of ledger balance mismatches found in last reconciliation run.",
	})

	reconcileInsolventEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "insolvent_escrows",
		Help:      "Number of escrows holding less than they owe in last reconciliation run.",
	})

	reconcileSurplusEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "surplus_escrows",
		Help:      "Number of escrows holding more than they owe in last reconciliation run.",
	})

	reconcileHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "healthy",
		Help:      "1 if the last reconciliation run found no problems, else 0.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flight_escrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileInsolventEscrows,
		reconcileSurplusEscrows,
		reconcileHealthy,
		reconcileDuration,
		reconcileErrors,
	)
}
