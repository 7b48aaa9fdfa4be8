package risk

import (
	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	passes    *prometheus.CounterVec
	closed    *prometheus.CounterVec
	lost      prometheus.Counter
	stale     prometheus.Counter
	errors    prometheus.Counter
	queueFull prometheus.Counter
	passDur   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		passes:    shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "risk_passes_total", Help: "Risk evaluation passes"}, []string{"mode"}),
		closed:    shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "risk_trades_closed_total", Help: "Trades closed automatically"}, []string{"reason"}),
		lost:      shared.NewCounter(reg, prometheus.CounterOpts{Name: "risk_close_races_lost_total", Help: "Closures already applied by another evaluator"}),
		stale:     shared.NewCounter(reg, prometheus.CounterOpts{Name: "risk_stale_skips_total", Help: "Trades skipped for a missing or stale price"}),
		errors:    shared.NewCounter(reg, prometheus.CounterOpts{Name: "risk_close_errors_total", Help: "Failed closure attempts"}),
		queueFull: shared.NewCounter(reg, prometheus.CounterOpts{Name: "risk_queue_full_total", Help: "Reactive checks dropped by a full queue"}),
		passDur: shared.NewHist(reg, prometheus.HistogramOpts{
			Name:    "risk_pass_seconds",
			Help:    "Risk evaluation pass duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}
