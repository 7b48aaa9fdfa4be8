package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"market-engine/go/pkg/candles"
	"market-engine/go/pkg/market"
	"market-engine/go/pkg/risk"
	"market-engine/go/pkg/shared"
	"market-engine/go/pkg/store"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Config for the engine.
type Config struct {
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig
	Log     shared.LogConfig
	Grace   shared.GraceConfig
	Candles shared.CandleConfig
	Risk    shared.RiskConfig
	Gateway shared.GatewayConfig
	InTopic string `envconfig:"IN_TOPIC" default:"ticks"`
	Store   string `envconfig:"STORE" default:"postgres"` // postgres | memory
}

// engineStore is everything the aggregator and the risk monitor persist through.
type engineStore interface {
	candles.CandleStore
	risk.TradeStore
}

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("engine", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("engine: %v", err)
	}
	logger.Printf("engine stopped")
}

func run(ctx context.Context, cfg Config, logger shared.Logger) error {
	intervals, err := shared.ParseResolutions(cfg.Candles.Intervals)
	if err != nil {
		return fmt.Errorf("CANDLE_INTERVALS: %w", err)
	}
	if err := checkWatchdog(cfg.Candles.Watchdog, intervals); err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	consumer, err := shared.NewConsumer(cfg.Kafka, []string{cfg.InTopic})
	if err != nil {
		return fmt.Errorf("consumer init: %w", err)
	}
	defer consumer.Close()
	producer := shared.NewProducer(cfg.Kafka)
	defer producer.Close()

	reg := prometheus.DefaultRegisterer
	agg := candles.New(st,
		candles.WithIntervals(intervals...),
		candles.WithWatchdog(cfg.Candles.Watchdog),
		candles.WithGrace(cfg.Grace.FlushGrace),
		candles.WithWorkers(cfg.Candles.Workers, cfg.Candles.QueueSize),
		candles.WithPublisher(producer, cfg.Candles.OutTopicPrefix),
		candles.WithLogger(logger),
		candles.WithRegisterer(reg),
	)
	dist := market.NewDistributor(
		market.WithBuffer(cfg.Gateway.BufferSize),
		market.WithRegisterer(reg),
	)
	riskOpts := []risk.Option{
		risk.WithInterval(cfg.Risk.Interval),
		risk.WithStaleness(cfg.Risk.Staleness),
		risk.WithTimeout(cfg.Risk.PersistTimeout),
		risk.WithPublisher(producer, cfg.Risk.ClosedTopic),
		risk.WithLogger(logger),
		risk.WithRegisterer(reg),
	}
	if cfg.Risk.Reactive {
		riskOpts = append(riskOpts, risk.WithReactive(cfg.Risk.Workers, cfg.Risk.QueueSize))
	}
	mon := risk.New(st, dist, riskOpts...)
	gwOpts := []market.GatewayOption{market.WithSnapshotter(agg), market.WithGatewayLogger(logger)}
	if p, ok := st.(pinger); ok {
		gwOpts = append(gwOpts, market.WithHealthCheck(p.Ping))
	}
	gw := market.NewGateway(dist, gwOpts...)
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	in := newIngestor(consumer, agg, dist, mon, logger, reg)

	logger.Printf("running engine topic=%s store=%s intervals=%v gateway=%s risk_every=%s staleness=%s reactive=%v",
		cfg.InTopic, cfg.Store, intervals, cfg.Gateway.Addr, cfg.Risk.Interval, cfg.Risk.Staleness, cfg.Risk.Reactive)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ms.Run(gctx) })
	g.Go(func() error { return gw.Run(gctx, cfg.Gateway.Addr) })
	g.Go(func() error { return runPipeline(gctx, in, agg, mon) })
	return g.Wait()
}

type runner interface {
	Run(ctx context.Context) error
}

// runPipeline runs source until ctx is done and stops the sinks only after source has returned,
// so every tick source committed reaches the sinks' final flush.
func runPipeline(ctx context.Context, source runner, sinks ...runner) error {
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()

	var g errgroup.Group
	for _, s := range sinks {
		g.Go(func() error { return s.Run(sinkCtx) })
	}
	err := source.Run(ctx)
	stopSinks()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// checkWatchdog requires the watchdog to fire at least once per bucket of the finest interval.
func checkWatchdog(every time.Duration, intervals []shared.Resolution) error {
	if every <= 0 {
		return fmt.Errorf("CANDLE_WATCHDOG must be positive, got %s", every)
	}
	for _, iv := range intervals {
		if width := time.Duration(shared.IntervalMs(iv)) * time.Millisecond; every >= width {
			return fmt.Errorf("CANDLE_WATCHDOG %s must be shorter than the %s interval", every, iv)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg Config, logger shared.Logger) (engineStore, func(), error) {
	switch strings.ToLower(cfg.Store) {
	case "memory":
		logger.Printf("using in-memory store; nothing survives a restart")
		return store.NewMemory(), func() {}, nil
	case "postgres", "":
		db, err := shared.NewPgxPool(ctx, cfg.PG)
		if err != nil {
			return nil, nil, fmt.Errorf("db init: %w", err)
		}
		pg := store.NewPostgres(db.Pool())
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
}
