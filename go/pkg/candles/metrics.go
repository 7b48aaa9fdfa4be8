package candles

import (
	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ticks     prometheus.Counter
	dropped   prometheus.Counter
	late      prometheus.Counter
	written   prometheus.Counter
	writeErrs prometheus.Counter
	queueFull prometheus.Counter
	watchdog  prometheus.Counter
	active    prometheus.Gauge
	pending   prometheus.Gauge
	queued    prometheus.Gauge
	flushDur  prometheus.Histogram
	latency   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		ticks:     shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_ticks_total", Help: "Ticks folded into candles"}),
		dropped:   shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_ticks_dropped_total", Help: "Malformed ticks dropped"}),
		late:      shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_late_ticks_total", Help: "Ticks for an already finalized bucket"}),
		written:   shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_written_total", Help: "Candles upserted"}),
		writeErrs: shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_write_errors_total", Help: "Failed candle upserts"}),
		queueFull: shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_queue_full_total", Help: "Persist jobs rejected by a full queue"}),
		watchdog:  shared.NewCounter(reg, prometheus.CounterOpts{Name: "candles_watchdog_flushed_total", Help: "Candles finalized by the watchdog"}),
		active:    shared.NewGauge(reg, prometheus.GaugeOpts{Name: "candles_active_windows", Help: "Open candle windows"}),
		pending:   shared.NewGauge(reg, prometheus.GaugeOpts{Name: "candles_pending", Help: "Finalized candles awaiting persistence"}),
		queued:    shared.NewGauge(reg, prometheus.GaugeOpts{Name: "candles_queue_depth", Help: "Persist jobs waiting for a worker"}),
		flushDur: shared.NewHist(reg, prometheus.HistogramOpts{
			Name:    "candles_flush_seconds",
			Help:    "Candle upsert duration",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0},
		}),
		latency: shared.NewHist(reg, prometheus.HistogramOpts{
			Name:    "candles_persist_latency_seconds",
			Help:    "Latency between bucket end and persistence",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20},
		}),
	}
}
