// Package risk closes open trades whose stop-loss or take-profit has been crossed by the latest
// distributor price, settling each closure to the owner's wallet exactly once.
//
// The store is the only authority on trade status. Scheduled passes, reactive per-symbol passes
// and other engine instances may all race on the same trade; CloseTrade applies the transition
// only while the trade is still open, and the losers skip settlement.
package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"market-engine/go/pkg/market"
	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

// TradeStore is the persistence surface the monitor needs.
type TradeStore interface {
	OpenTrades(ctx context.Context, symbol string) ([]shared.Trade, error)
	CloseTrade(ctx context.Context, c shared.TradeClosure) (bool, error)
}

// PriceSource yields the last-seen quote per symbol.
type PriceSource interface {
	LastPrice(symbol string) (market.Quote, bool)
}

// Result summarizes one evaluation pass.
type Result struct {
	Checked int
	Closed  int
	Lost    int
	Skipped int
	Failed  int
}

func (r *Result) add(o Result) {
	r.Checked += o.Checked
	r.Closed += o.Closed
	r.Lost += o.Lost
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

type Monitor struct {
	store     TradeStore
	prices    PriceSource
	interval  time.Duration
	staleness time.Duration
	timeout   time.Duration
	pub       shared.Publisher
	topic     string
	now       func() time.Time
	log       shared.Logger
	reg       prometheus.Registerer
	metrics   metrics

	workers   int
	queueSize int
	pool      *shared.Pool[string]
	qmu       sync.Mutex
	queued    map[string]bool
	closeOnce sync.Once
}

type Option func(*Monitor)

// WithInterval sets the period of the scheduled full pass.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithStaleness sets how old a quote may be before its symbol is skipped. Zero disables the check.
func WithStaleness(d time.Duration) Option {
	return func(m *Monitor) { m.staleness = d }
}

// WithTimeout bounds each reactive pass.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithReactive enables Notify, which runs per-symbol passes on a sharded pool.
func WithReactive(workers, queueSize int) Option {
	return func(m *Monitor) {
		m.workers = workers
		m.queueSize = queueSize
	}
}

// WithPublisher produces a TradeClosedEvent for every closure to topic.
func WithPublisher(pub shared.Publisher, topic string) Option {
	return func(m *Monitor) {
		if pub != nil && topic != "" {
			m.pub = pub
			m.topic = topic
		}
	}
}

func WithLogger(log shared.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.reg = reg }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(store TradeStore, prices PriceSource, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		prices:    prices,
		interval:  10 * time.Second,
		staleness: 30 * time.Second,
		timeout:   5 * time.Second,
		pub:       shared.NopPublisher{},
		now:       time.Now,
		log:       shared.NopLogger(),
		reg:       prometheus.NewRegistry(),
		queued:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMetrics(m.reg)
	if m.workers > 0 {
		m.pool = shared.NewPool(m.workers, m.queueSize, m.reactive)
	}
	return m
}

// Evaluate checks every open trade against the latest price of its symbol.
func (m *Monitor) Evaluate(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { m.metrics.passDur.Observe(time.Since(start).Seconds()) }()
	m.metrics.passes.WithLabelValues("scheduled").Inc()

	trades, err := m.store.OpenTrades(ctx, "")
	if err != nil {
		return Result{}, err
	}
	bySymbol := make(map[string][]shared.Trade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	var res Result
	for sym, ts := range bySymbol {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.add(m.evaluate(ctx, sym, ts))
	}
	return res, nil
}

// EvaluateSymbol checks the open trades of one symbol. It is the reactive per-tick path.
func (m *Monitor) EvaluateSymbol(ctx context.Context, symbol string) (Result, error) {
	start := time.Now()
	defer func() { m.metrics.passDur.Observe(time.Since(start).Seconds()) }()
	m.metrics.passes.WithLabelValues("reactive").Inc()

	trades, err := m.store.OpenTrades(ctx, symbol)
	if err != nil {
		return Result{}, err
	}
	return m.evaluate(ctx, symbol, trades), nil
}

func (m *Monitor) evaluate(ctx context.Context, symbol string, trades []shared.Trade) Result {
	res := Result{Checked: len(trades)}
	if len(trades) == 0 {
		return res
	}
	q, ok := m.prices.LastPrice(symbol)
	if !ok || q.Price <= 0 {
		m.log.Debugf("risk skip symbol=%s: no price", symbol)
		m.metrics.stale.Add(float64(len(trades)))
		res.Skipped = len(trades)
		return res
	}
	if age := m.now().Sub(q.ReceivedAt); m.staleness > 0 && age > m.staleness {
		m.log.Debugf("risk skip symbol=%s: price age %s", symbol, age)
		m.metrics.stale.Add(float64(len(trades)))
		res.Skipped = len(trades)
		return res
	}

	for _, t := range trades {
		reason, hit := Trigger(t, q.Price)
		if !hit {
			continue
		}
		closed, err := m.closeTrade(ctx, t, q.Price, reason)
		switch {
		case err != nil:
			res.Failed++
		case closed:
			res.Closed++
		default:
			res.Lost++
		}
	}
	return res
}

// closeTrade is the single closure path for scheduled and reactive passes.
func (m *Monitor) closeTrade(ctx context.Context, t shared.Trade, price float64, reason shared.CloseReason) (bool, error) {
	c := shared.TradeClosure{
		TradeID:    t.ID,
		UserID:     t.UserID,
		ClosePrice: price,
		CloseTime:  m.now().UTC(),
		ProfitLoss: ProfitLoss(t.Side, t.EntryPrice, price, t.Volume),
		Reason:     reason,
	}
	ok, err := m.store.CloseTrade(ctx, c)
	if err != nil {
		m.metrics.errors.Inc()
		m.log.Errorf("close trade id=%d symbol=%s reason=%s: %v", t.ID, t.Symbol, reason, err)
		return false, err
	}
	if !ok {
		m.metrics.lost.Inc()
		m.log.Debugf("trade id=%d already closed", t.ID)
		return false, nil
	}
	m.metrics.closed.WithLabelValues(string(reason)).Inc()
	m.log.Printf("closed trade id=%d user=%s symbol=%s side=%s price=%.5f pnl=%s reason=%s",
		t.ID, t.UserID, t.Symbol, t.Side, price, c.ProfitLoss.String(), reason)

	if m.topic != "" {
		ev := shared.TradeClosedEvent{
			TradeID:    t.ID,
			UserID:     t.UserID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			ClosePrice: price,
			CloseTime:  c.CloseTime,
			ProfitLoss: c.ProfitLoss,
			Reason:     reason,
		}
		if err := m.pub.PublishJSON(ctx, m.topic, strconv.FormatInt(t.ID, 10), ev); err != nil {
			m.log.Errorf("publish closed trade id=%d: %v", t.ID, err)
		}
	}
	return true, nil
}

// Notify queues a reactive pass for symbol. Calls for a symbol that is already queued coalesce.
// It never blocks and is a no-op unless WithReactive was given.
func (m *Monitor) Notify(symbol string) {
	if m.pool == nil {
		return
	}
	m.qmu.Lock()
	if m.queued[symbol] {
		m.qmu.Unlock()
		return
	}
	m.queued[symbol] = true
	m.qmu.Unlock()

	if !m.pool.TrySubmit(symbol, symbol) {
		m.metrics.queueFull.Inc()
		m.qmu.Lock()
		delete(m.queued, symbol)
		m.qmu.Unlock()
	}
}

func (m *Monitor) reactive(worker int, symbol string) {
	m.qmu.Lock()
	delete(m.queued, symbol)
	m.qmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.EvaluateSymbol(ctx, symbol); err != nil {
		m.log.Errorf("worker=%d reactive risk pass symbol=%s: %v", worker, symbol, err)
	}
}

// Run performs a full pass every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.Close()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := m.Evaluate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.log.Errorf("risk pass: %v", err)
				continue
			}
			if res.Closed > 0 || res.Failed > 0 {
				m.log.Printf("risk pass checked=%d closed=%d lost=%d skipped=%d failed=%d",
					res.Checked, res.Closed, res.Lost, res.Skipped, res.Failed)
			}
		}
	}
}

// Close drains the reactive pool.
func (m *Monitor) Close() {
	if m.pool == nil {
		return
	}
	m.closeOnce.Do(m.pool.Close)
}
