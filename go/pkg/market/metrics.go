package market

import (
	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	published   prometheus.Counter
	dropped     prometheus.Counter
	lagging     *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
	sessions    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) metrics {
	return metrics{
		published:   shared.NewCounter(reg, prometheus.CounterOpts{Name: "distributor_ticks_total", Help: "Ticks published to subscribers"}),
		dropped:     shared.NewCounter(reg, prometheus.CounterOpts{Name: "distributor_ticks_dropped_total", Help: "Malformed ticks dropped"}),
		lagging:     shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "distributor_dropped_events_total", Help: "Events lost to full subscriber channels"}, []string{"kind"}),
		subscribers: shared.NewGaugeVec(reg, prometheus.GaugeOpts{Name: "distributor_subscribers", Help: "Live subscribers"}, []string{"kind"}),
		sessions:    shared.NewGauge(reg, prometheus.GaugeOpts{Name: "gateway_sessions", Help: "Open websocket sessions"}),
	}
}
