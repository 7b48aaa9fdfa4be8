package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// Config specific to ingestion.
type Config struct {
	Kafka          shared.KafkaConfig
	Metrics        shared.MetricsConfig
	Log            shared.LogConfig
	TokensCSV      string  `envconfig:"ZERODHA_TOKENS_CSV" default:"configs/tokens.csv"`
	TokenJSON      string  `envconfig:"ZERODHA_TOKEN_FILE" default:"ingestion/auth/token.json"`
	APIKey         string  `envconfig:"KITE_API_KEY"`
	AccessToken    string  `envconfig:"KITE_ACCESS_TOKEN"`       // optional override
	KiteMode       string  `envconfig:"KITE_MODE" default:"ltp"` // ltp | quote | full (full carries bid/ask)
	TickTopic      string  `envconfig:"TICKS_TOPIC" default:"ticks"`
	SimTicks       bool    `envconfig:"SIM_TICKS" default:"false"`
	SimSymbols     string  `envconfig:"SIM_SYMBOLS"` // overrides the tokens csv in sim mode
	SimBaseTPS     float64 `envconfig:"SIM_BASE_TPS" default:"10.0"`
	SimHotTPS      float64 `envconfig:"SIM_HOT_TPS" default:"1000.0"`
	SimHotPct      float64 `envconfig:"SIM_HOT_SYMBOL_PCT" default:"0.0"`
	SimHotRotate   int     `envconfig:"SIM_HOT_ROTATE_SEC" default:"15"`
	SimStepMs      int     `envconfig:"SIM_STEP_MS" default:"100"`
	SimBasePrice   float64 `envconfig:"SIM_BASE_PRICE" default:"2500.0"`
	SimSpread      float64 `envconfig:"SIM_SPREAD" default:"0.2"`
	BatchFlushMs   int     `envconfig:"BATCH_FLUSH_MS" default:"200"`
	MaxBatch       int     `envconfig:"MAX_BATCH" default:"256"`
	ProduceWorkers int     `envconfig:"PRODUCE_WORKERS" default:"8"`
	ProduceQueue   int     `envconfig:"PRODUCE_QUEUE" default:"16000"`
}

// TickSource emits normalized ticks until ctx is cancelled.
type TickSource interface {
	Start(ctx context.Context, out chan<- shared.Tick) error
}

type ingestMetrics struct {
	ticksOut *prometheus.CounterVec
	qDepth   prometheus.Gauge
	batchSz  prometheus.Histogram
	latency  prometheus.Histogram
	wsEvents *prometheus.CounterVec
	dropped  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) ingestMetrics {
	return ingestMetrics{
		ticksOut: shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "ingest_ticks_total", Help: "Ticks emitted"}, []string{"symbol"}),
		qDepth:   shared.NewGauge(reg, prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ticks queued"}),
		batchSz:  shared.NewHist(reg, prometheus.HistogramOpts{Name: "ingest_batch_size", Help: "Batch size", Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500}}),
		latency:  shared.NewHist(reg, prometheus.HistogramOpts{Name: "ingest_latency_seconds", Help: "Event to publish latency", Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}}),
		wsEvents: shared.NewCounterVec(reg, prometheus.CounterOpts{Name: "ingest_ws_events_total", Help: "Websocket lifecycle events"}, []string{"event"}),
		dropped:  shared.NewCounter(reg, prometheus.CounterOpts{Name: "ingest_ticks_dropped_total", Help: "Ticks dropped: malformed, full queue or failed write"}),
	}
}

// batcher owns one produce worker per shard. Ticks of a symbol always go to the same worker, so
// per-symbol order is kept on the topic.
type batcher struct {
	topic    string
	maxBatch int
	every    time.Duration
	log      shared.Logger
	metrics  ingestMetrics
	inFlight atomic.Int64
	chans    []chan shared.Tick
	wg       sync.WaitGroup
}

func newBatcher(cfg Config, newProducer func() shared.Producer, logger shared.Logger, m ingestMetrics) *batcher {
	workers := max(cfg.ProduceWorkers, 1)
	queue := cfg.ProduceQueue
	if queue < 1 {
		queue = 1000
	}
	every := time.Duration(cfg.BatchFlushMs) * time.Millisecond
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	b := &batcher{
		topic:    cfg.TickTopic,
		maxBatch: max(cfg.MaxBatch, 1),
		every:    every,
		log:      logger,
		metrics:  m,
		chans:    make([]chan shared.Tick, workers),
	}
	for i := range b.chans {
		b.chans[i] = make(chan shared.Tick, queue)
		b.wg.Add(1)
		go b.work(i, b.chans[i], newProducer())
	}
	return b
}

// Offer queues a tick without blocking.
func (b *batcher) Offer(tk shared.Tick) bool {
	if !tk.Valid() {
		b.metrics.dropped.Inc()
		return false
	}
	select {
	case b.chans[shared.Shard(tk.Symbol, len(b.chans))] <- tk:
		b.inFlight.Add(1)
		return true
	default:
		b.metrics.dropped.Inc()
		return false
	}
}

// Stop drains every queue through the producers.
func (b *batcher) Stop() {
	for _, ch := range b.chans {
		close(ch)
	}
	b.wg.Wait()
}

func (b *batcher) work(id int, in <-chan shared.Tick, p shared.Producer) {
	defer b.wg.Done()
	defer p.Close()
	batch := make([]shared.Tick, 0, b.maxBatch)
	timer := time.NewTimer(b.every)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.metrics.batchSz.Observe(float64(len(batch)))
		records := make([]shared.Record, 0, len(batch))
		sent := make([]shared.Tick, 0, len(batch))
		for _, tk := range batch {
			raw, err := json.Marshal(tk)
			if err != nil {
				b.metrics.dropped.Inc()
				continue
			}
			records = append(records, shared.Record{Key: []byte(tk.Symbol), Value: raw, Time: tk.EventTime().UTC()})
			sent = append(sent, tk)
		}
		if len(records) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := p.ProduceBatch(ctx, b.topic, records)
			cancel()
			if err != nil {
				b.metrics.dropped.Add(float64(len(records)))
				b.log.Errorf("producer worker=%d batch write failed n=%d: %v", id, len(records), err)
			} else {
				for _, tk := range sent {
					b.metrics.latency.Observe(time.Since(tk.EventTime()).Seconds())
					b.metrics.ticksOut.WithLabelValues(tk.Symbol).Inc()
				}
			}
		}
		b.inFlight.Add(int64(-len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case tk, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, tk)
			if len(batch) >= b.maxBatch {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.every)
			}
		case <-timer.C:
			flush()
			timer.Reset(b.every)
		}
	}
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("ingest", cfg.Log.Level)
	metrics := newMetrics(prometheus.DefaultRegisterer)
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	src, err := buildSource(cfg, logger, metrics)
	if err != nil {
		logger.Fatalf("build source: %v", err)
	}

	out := make(chan shared.Tick, 20000)
	if err := src.Start(ctx, out); err != nil {
		logger.Fatalf("source start: %v", err)
	}

	b := newBatcher(cfg, func() shared.Producer { return shared.NewProducer(cfg.Kafka) }, logger, metrics)
	defer b.Stop()

	logger.Printf(
		"running ingestion -> topic=%s sim=%v base_tps=%.2f hot_tps=%.2f hot_pct=%.4f step_ms=%d workers=%d worker_q=%d",
		cfg.TickTopic, cfg.SimTicks, cfg.SimBaseTPS, cfg.SimHotTPS, cfg.SimHotPct, cfg.SimStepMs, cfg.ProduceWorkers, cfg.ProduceQueue,
	)
	qTicker := time.NewTicker(250 * time.Millisecond)
	defer qTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("ingestion shutdown: draining producer queues")
			return
		case tk, ok := <-out:
			if !ok {
				logger.Printf("ingestion source closed")
				return
			}
			b.Offer(tk)
		case <-qTicker.C:
			metrics.qDepth.Set(float64(b.inFlight.Load() + int64(len(out))))
		}
	}
}
