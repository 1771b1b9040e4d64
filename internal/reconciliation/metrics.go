package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcilePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mulehunter",
		Subsystem: "reconciliation",
		Name:      "pending",
		Help:      "Ledger-inconsistent transfers left unrepaired after the last run.",
	})

	reconcileRepaired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulehunter",
		Subsystem: "reconciliation",
		Name:      "repaired_total",
		Help:      "Total transfers brought back to ledger consistency.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mulehunter",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mulehunter",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePending,
		reconcileRepaired,
		reconcileDuration,
		reconcileErrors,
	)
}
