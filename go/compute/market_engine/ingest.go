package main

import (
	"context"
	"encoding/json"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

type tickAggregator interface {
	OnTick(shared.Tick)
}

type tickPublisher interface {
	Publish(shared.Tick)
}

type riskNotifier interface {
	Notify(symbol string)
}

// ingestor is the single tick stream feeding the aggregator, the distributor and the reactive
// risk path. None of them block it.
type ingestor struct {
	consumer shared.Consumer
	agg      tickAggregator
	dist     tickPublisher
	risk     riskNotifier
	log      shared.Logger
	backoff  time.Duration
	metrics  ingestMetrics
}

type ingestMetrics struct {
	ticks      prometheus.Counter
	decodeErrs prometheus.Counter
	dropped    prometheus.Counter
	pollErrs   prometheus.Counter
	lag        prometheus.Histogram
}

func newIngestMetrics(reg prometheus.Registerer) ingestMetrics {
	return ingestMetrics{
		ticks:      shared.NewCounter(reg, prometheus.CounterOpts{Name: "engine_ticks_total", Help: "Ticks consumed"}),
		decodeErrs: shared.NewCounter(reg, prometheus.CounterOpts{Name: "engine_decode_errors_total", Help: "Undecodable tick messages"}),
		dropped:    shared.NewCounter(reg, prometheus.CounterOpts{Name: "engine_ticks_dropped_total", Help: "Malformed ticks dropped at ingress"}),
		pollErrs:   shared.NewCounter(reg, prometheus.CounterOpts{Name: "engine_poll_errors_total", Help: "Consumer poll failures"}),
		lag: shared.NewHist(reg, prometheus.HistogramOpts{
			Name:    "engine_tick_lag_seconds",
			Help:    "Latency between tick timestamp and consumption",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
	}
}

func newIngestor(c shared.Consumer, agg tickAggregator, dist tickPublisher, risk riskNotifier, log shared.Logger, reg prometheus.Registerer) *ingestor {
	return &ingestor{
		consumer: c,
		agg:      agg,
		dist:     dist,
		risk:     risk,
		log:      log,
		backoff:  time.Second,
		metrics:  newIngestMetrics(reg),
	}
}

// Run polls until ctx is cancelled. Feed errors are logged and retried; they never stop the engine.
func (in *ingestor) Run(ctx context.Context) error {
	for {
		msg, err := in.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.metrics.pollErrs.Inc()
			in.log.Errorf("poll: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(in.backoff):
			}
			continue
		}
		in.handle(msg.Value)
		if err := in.consumer.Commit(msg); err != nil {
			in.log.Errorf("commit offset=%d: %v", msg.Offset, err)
		}
	}
}

func (in *ingestor) handle(raw []byte) {
	var tk shared.Tick
	if err := json.Unmarshal(raw, &tk); err != nil {
		in.metrics.decodeErrs.Inc()
		in.log.Debugf("bad tick payload: %v", err)
		return
	}
	if !tk.Valid() {
		in.metrics.dropped.Inc()
		return
	}
	in.metrics.ticks.Inc()
	in.metrics.lag.Observe(time.Since(tk.EventTime()).Seconds())

	in.agg.OnTick(tk)
	in.dist.Publish(tk)
	in.risk.Notify(tk.Symbol)
}
