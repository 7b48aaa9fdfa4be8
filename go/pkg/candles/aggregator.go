// Package candles turns the normalized tick stream into OHLCV candles.
//
// One candle per (symbol, interval) is kept in memory. A candle is finalized when a tick for a
// later bucket arrives, or when the watchdog notices that its bucket has ended during feed
// silence. Finalized candles sit in a pending set until the store acknowledges the upsert, so a
// failed write is retried by the next watchdog pass and ingestion never waits on the store.
package candles

import (
	"context"
	"sync"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

// CandleStore persists finalized candles. Implementations must upsert by Candle.Key so a
// repeated write of the same candle leaves a single row.
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []shared.Candle) error
}

type series struct {
	symbol   string
	interval shared.Resolution
}

type pendingCandle struct {
	candle   shared.Candle
	inFlight bool
	attempts int
}

// Aggregator owns the in-memory candle state for every configured interval.
type Aggregator struct {
	store       CandleStore
	intervals   []shared.Resolution
	grace       time.Duration
	every       time.Duration
	timeout     time.Duration
	workers     int
	queueSize   int
	pub         shared.Publisher
	topicPrefix string
	now         func() time.Time
	log         shared.Logger
	reg         prometheus.Registerer
	metrics     metrics

	mu        sync.Mutex
	live      map[series]*shared.Candle
	finalized map[series]int64
	pending   map[shared.CandleKey]*pendingCandle

	pool      *shared.Pool[[]shared.Candle]
	closeOnce sync.Once
}

type Option func(*Aggregator)

// WithIntervals replaces the default 1m interval.
func WithIntervals(intervals ...shared.Resolution) Option {
	return func(a *Aggregator) {
		if len(intervals) > 0 {
			a.intervals = intervals
		}
	}
}

// WithWatchdog sets how often Run checks for candles whose bucket has ended.
func WithWatchdog(every time.Duration) Option {
	return func(a *Aggregator) { a.every = every }
}

// WithGrace delays the watchdog flush past the bucket end to absorb feed latency.
func WithGrace(grace time.Duration) Option {
	return func(a *Aggregator) { a.grace = grace }
}

// WithWorkers sizes the persistence pool.
func WithWorkers(workers, queueSize int) Option {
	return func(a *Aggregator) {
		a.workers = workers
		a.queueSize = queueSize
	}
}

// WithPublisher produces every persisted candle to topicPrefix+interval.
func WithPublisher(pub shared.Publisher, topicPrefix string) Option {
	return func(a *Aggregator) {
		if pub != nil && topicPrefix != "" {
			a.pub = pub
			a.topicPrefix = topicPrefix
		}
	}
}

func WithLogger(log shared.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Aggregator) { a.reg = reg }
}

// WithClock overrides wall-clock time for the watchdog.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(store CandleStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:     store,
		intervals: []shared.Resolution{shared.Res1m},
		every:     10 * time.Second,
		timeout:   4 * time.Second,
		workers:   4,
		queueSize: 1024,
		pub:       shared.NopPublisher{},
		now:       time.Now,
		log:       shared.NopLogger(),
		reg:       prometheus.NewRegistry(),
		live:      make(map[series]*shared.Candle),
		finalized: make(map[series]int64),
		pending:   make(map[shared.CandleKey]*pendingCandle),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = newMetrics(a.reg)
	a.pool = shared.NewPool(a.workers, a.queueSize, a.persist)
	return a
}

// OnTick folds one tick into every interval's in-progress candle. Candles whose bucket was left
// behind by this tick are handed to the persistence pool.
func (a *Aggregator) OnTick(tk shared.Tick) {
	if !tk.Valid() {
		a.metrics.dropped.Inc()
		return
	}
	a.metrics.ticks.Inc()

	var done []shared.CandleKey
	a.mu.Lock()
	for _, iv := range a.intervals {
		key := series{symbol: tk.Symbol, interval: iv}
		start := shared.BucketTime(tk.Timestamp, iv)
		if last, ok := a.finalized[key]; ok && start <= last {
			a.metrics.late.Inc()
			continue
		}
		cur := a.live[key]
		switch {
		case cur == nil:
			a.startLocked(key, start, tk.Price)
		case cur.BucketStart == start:
			cur.Update(tk.Price)
		case start < cur.BucketStart:
			a.metrics.late.Inc()
		default:
			done = append(done, a.finalizeLocked(key, cur))
			a.startLocked(key, start, tk.Price)
		}
	}
	a.metrics.active.Set(float64(len(a.live)))
	a.mu.Unlock()

	if len(done) > 0 {
		a.dispatch(done)
	}
}

func (a *Aggregator) startLocked(key series, start int64, px float64) {
	c := &shared.Candle{Symbol: key.symbol, Interval: key.interval, BucketStart: start}
	c.Update(px)
	a.live[key] = c
}

func (a *Aggregator) finalizeLocked(key series, cur *shared.Candle) shared.CandleKey {
	delete(a.live, key)
	a.finalized[key] = cur.BucketStart
	ck := cur.Key()
	a.pending[ck] = &pendingCandle{candle: *cur}
	return ck
}

// Flush is one watchdog pass: every candle whose bucket ended before now (plus grace) is
// finalized, and every pending candle not currently being written is dispatched again.
// It returns the number of candles finalized by this pass.
func (a *Aggregator) Flush(now time.Time) int {
	nowMs := now.UnixMilli()
	graceMs := a.grace.Milliseconds()

	a.mu.Lock()
	finalized := 0
	for key, cur := range a.live {
		if nowMs < cur.BucketEnd()+graceMs {
			continue
		}
		a.finalizeLocked(key, cur)
		finalized++
	}
	retry := make([]shared.CandleKey, 0, len(a.pending))
	for ck, p := range a.pending {
		if !p.inFlight {
			retry = append(retry, ck)
		}
	}
	a.metrics.active.Set(float64(len(a.live)))
	a.metrics.pending.Set(float64(len(a.pending)))
	a.mu.Unlock()

	if finalized > 0 {
		a.metrics.watchdog.Add(float64(finalized))
	}
	if len(retry) > 0 {
		a.dispatch(retry)
	}
	a.metrics.queued.Set(float64(a.pool.Depth()))
	return finalized
}

// dispatch marks the given pending candles in flight and submits them, one job per symbol.
func (a *Aggregator) dispatch(keys []shared.CandleKey) {
	bySymbol := make(map[string][]shared.Candle)
	a.mu.Lock()
	for _, ck := range keys {
		p, ok := a.pending[ck]
		if !ok || p.inFlight {
			continue
		}
		p.inFlight = true
		bySymbol[ck.Symbol] = append(bySymbol[ck.Symbol], p.candle)
	}
	a.mu.Unlock()

	for sym, batch := range bySymbol {
		if a.pool.TrySubmit(sym, batch) {
			continue
		}
		a.metrics.queueFull.Inc()
		a.release(batch, false)
	}
}

// persist runs on a pool worker.
func (a *Aggregator) persist(worker int, batch []shared.Candle) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	err := a.store.UpsertCandles(ctx, batch)
	a.metrics.flushDur.Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.writeErrs.Inc()
		a.log.Errorf("worker=%d candle upsert failed symbol=%s n=%d: %v", worker, batch[0].Symbol, len(batch), err)
		a.release(batch, false)
		return
	}
	a.metrics.written.Add(float64(len(batch)))
	a.release(batch, true)

	for _, c := range batch {
		a.metrics.latency.Observe(time.Since(time.UnixMilli(c.BucketEnd())).Seconds())
		if a.topicPrefix == "" {
			continue
		}
		if err := a.pub.PublishJSON(ctx, a.topicPrefix+string(c.Interval), c.Symbol, c); err != nil {
			a.log.Errorf("worker=%d candle publish failed symbol=%s: %v", worker, c.Symbol, err)
		}
	}
}

func (a *Aggregator) release(batch []shared.Candle, written bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range batch {
		p, ok := a.pending[c.Key()]
		if !ok {
			continue
		}
		if written {
			delete(a.pending, c.Key())
			continue
		}
		p.inFlight = false
		p.attempts++
	}
	a.metrics.pending.Set(float64(len(a.pending)))
}

// Snapshot returns the in-progress candle for a series.
func (a *Aggregator) Snapshot(symbol string, interval shared.Resolution) (shared.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.live[series{symbol: symbol, interval: interval}]
	if !ok {
		return shared.Candle{}, false
	}
	return *c, true
}

// Pending is the number of finalized candles not yet acknowledged by the store.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run drives the watchdog until ctx is cancelled, then flushes everything that is left.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Shutdown()
			return nil
		case <-ticker.C:
			a.Flush(a.now())
		}
	}
}

// Shutdown finalizes every live candle, drains the pool and writes any leftovers inline.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	for key, cur := range a.live {
		a.finalizeLocked(key, cur)
	}
	a.mu.Unlock()

	a.Close()

	a.mu.Lock()
	var left []shared.Candle
	for _, p := range a.pending {
		if !p.inFlight {
			p.inFlight = true
			left = append(left, p.candle)
		}
	}
	a.mu.Unlock()
	if len(left) > 0 {
		a.persist(-1, left)
	}
	if n := a.Pending(); n > 0 {
		a.log.Errorf("shutdown with %d candles not persisted", n)
	}
}

// Close stops the persistence pool after the queued writes complete.
func (a *Aggregator) Close() {
	a.closeOnce.Do(a.pool.Close)
}
