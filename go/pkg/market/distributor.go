// Package market fans ticks out to price and chart subscribers and keeps the last-seen price
// per symbol for the risk monitor.
package market

import (
	"errors"
	"sync"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// Quote is the last price seen for a symbol and when the distributor received it.
type Quote struct {
	Symbol     string
	Price      float64
	Bid        float64
	Ask        float64
	Timestamp  int64
	ReceivedAt time.Time
}

type priceSub struct {
	id     string
	symbol string
	ch     chan shared.PriceEvent
}

// chartSub carries the watermark of one chart subscriber. Fields are guarded by Distributor.mu.
type chartSub struct {
	id         string
	symbol     string
	resolution shared.Resolution
	ch         chan shared.BarEvent

	lastBarTime int64
	lastRes     shared.Resolution
	bar         shared.Bar
	hasBar      bool
}

// Distributor is the in-memory pub/sub registry.
type Distributor struct {
	buffer int
	now    func() time.Time
	reg    prometheus.Registerer

	qmu    sync.RWMutex
	quotes map[string]Quote

	mu             sync.Mutex
	prices         map[string]*priceSub
	pricesBySymbol map[string]map[string]*priceSub
	charts         map[string]*chartSub
	chartsBySymbol map[string]map[string]*chartSub

	metrics metrics
}

type Option func(*Distributor)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(d *Distributor) {
		if n > 0 {
			d.buffer = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Distributor) { d.reg = reg }
}

func NewDistributor(opts ...Option) *Distributor {
	d := &Distributor{
		buffer:         256,
		now:            time.Now,
		reg:            prometheus.NewRegistry(),
		quotes:         make(map[string]Quote),
		prices:         make(map[string]*priceSub),
		pricesBySymbol: make(map[string]map[string]*priceSub),
		charts:         make(map[string]*chartSub),
		chartsBySymbol: make(map[string]map[string]*chartSub),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = newMetrics(d.reg)
	return d
}

// Publish records the tick as the symbol's last price and delivers it to every listener.
// Sends never block; a full subscriber channel loses that event.
func (d *Distributor) Publish(tk shared.Tick) {
	if !tk.Valid() {
		d.metrics.dropped.Inc()
		return
	}
	d.qmu.Lock()
	d.quotes[tk.Symbol] = Quote{Symbol: tk.Symbol, Price: tk.Price, Bid: tk.Bid, Ask: tk.Ask, Timestamp: tk.Timestamp, ReceivedAt: d.now()}
	d.qmu.Unlock()
	d.metrics.published.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()

	if subs := d.pricesBySymbol[tk.Symbol]; len(subs) > 0 {
		ev := priceEvent(tk)
		for _, s := range subs {
			select {
			case s.ch <- ev:
			default:
				d.metrics.lagging.WithLabelValues("price").Inc()
			}
		}
	}
	for _, s := range d.chartsBySymbol[tk.Symbol] {
		ev := s.apply(tk.Timestamp, tk.Price)
		select {
		case s.ch <- ev:
		default:
			d.metrics.lagging.WithLabelValues("chart").Inc()
		}
	}
}

// apply derives the bar for one tick, enforcing a non-decreasing bar time per subscriber.
func (s *chartSub) apply(ts int64, px float64) shared.BarEvent {
	raw := shared.BucketTime(ts, s.resolution)
	var barTime int64
	switch {
	case s.lastRes != s.resolution:
		barTime = raw
		s.hasBar = false
	case raw >= s.lastBarTime:
		barTime = raw
	default:
		barTime = shared.NextBucketTime(s.lastBarTime, s.resolution)
	}
	s.lastBarTime = barTime
	s.lastRes = s.resolution

	isNew := !s.hasBar || s.bar.Time != barTime
	if isNew {
		s.bar = shared.Bar{Time: barTime, Open: px, High: px, Low: px, Close: px, Volume: 1}
		s.hasBar = true
	} else {
		if px > s.bar.High {
			s.bar.High = px
		}
		if px < s.bar.Low {
			s.bar.Low = px
		}
		s.bar.Close = px
		s.bar.Volume++
	}
	return shared.BarEvent{Symbol: s.symbol, Resolution: s.resolution, Bar: s.bar, IsNew: isNew}
}

// Subscribe registers a chart subscriber with no watermark. Subscribing an id that is already
// live replaces its stream and starts it fresh.
func (d *Distributor) Subscribe(subscriberID, symbol string, res shared.Resolution) (<-chan shared.BarEvent, error) {
	return d.SubscribeFrom(subscriberID, symbol, res, nil)
}

// SubscribeFrom is Subscribe with the in-progress bar already known to the client, e.g. from a
// candle snapshot. Ticks in seed's bucket merge into it instead of opening a new bar, and seed's
// time is the first watermark.
func (d *Distributor) SubscribeFrom(subscriberID, symbol string, res shared.Resolution, seed *shared.Bar) (<-chan shared.BarEvent, error) {
	if subscriberID == "" || symbol == "" || !res.Valid() {
		return nil, ErrInvalidSubscription
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.charts[subscriberID]; ok {
		d.removeChartLocked(old)
	}
	sub := &chartSub{id: subscriberID, symbol: symbol, resolution: res, ch: make(chan shared.BarEvent, d.buffer)}
	if seed != nil {
		sub.bar, sub.hasBar = *seed, true
		sub.lastBarTime, sub.lastRes = seed.Time, res
	}
	d.charts[subscriberID] = sub
	if d.chartsBySymbol[symbol] == nil {
		d.chartsBySymbol[symbol] = make(map[string]*chartSub)
	}
	d.chartsBySymbol[symbol][subscriberID] = sub
	d.metrics.subscribers.WithLabelValues("chart").Set(float64(len(d.charts)))
	return sub.ch, nil
}

// SubscribePrice registers a raw price listener for one symbol.
func (d *Distributor) SubscribePrice(subscriberID, symbol string) (<-chan shared.PriceEvent, error) {
	if subscriberID == "" || symbol == "" {
		return nil, ErrInvalidSubscription
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.prices[subscriberID]; ok {
		d.removePriceLocked(old)
	}
	sub := &priceSub{id: subscriberID, symbol: symbol, ch: make(chan shared.PriceEvent, d.buffer)}
	d.prices[subscriberID] = sub
	if d.pricesBySymbol[symbol] == nil {
		d.pricesBySymbol[symbol] = make(map[string]*priceSub)
	}
	d.pricesBySymbol[symbol][subscriberID] = sub
	d.metrics.subscribers.WithLabelValues("price").Set(float64(len(d.prices)))
	return sub.ch, nil
}

// Unsubscribe drops every stream and the watermark of the subscriber. Events still buffered are
// discarded and the channels closed, so nothing is delivered after it returns.
func (d *Distributor) Unsubscribe(subscriberID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	if s, ok := d.charts[subscriberID]; ok {
		d.removeChartLocked(s)
		found = true
	}
	if s, ok := d.prices[subscriberID]; ok {
		d.removePriceLocked(s)
		found = true
	}
	d.metrics.subscribers.WithLabelValues("chart").Set(float64(len(d.charts)))
	d.metrics.subscribers.WithLabelValues("price").Set(float64(len(d.prices)))
	return found
}

func (d *Distributor) removeChartLocked(s *chartSub) {
	delete(d.charts, s.id)
	if bySym := d.chartsBySymbol[s.symbol]; bySym != nil {
		delete(bySym, s.id)
		if len(bySym) == 0 {
			delete(d.chartsBySymbol, s.symbol)
		}
	}
	discard(s.ch)
}

func (d *Distributor) removePriceLocked(s *priceSub) {
	delete(d.prices, s.id)
	if bySym := d.pricesBySymbol[s.symbol]; bySym != nil {
		delete(bySym, s.id)
		if len(bySym) == 0 {
			delete(d.pricesBySymbol, s.symbol)
		}
	}
	discard(s.ch)
}

// discard empties a subscriber channel and closes it. Callers hold d.mu, so no send can race.
func discard[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

// LastPrice returns the most recent quote for a symbol.
func (d *Distributor) LastPrice(symbol string) (Quote, bool) {
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	q, ok := d.quotes[symbol]
	return q, ok
}

// Watermark exposes a chart subscriber's last emitted bar time.
func (d *Distributor) Watermark(subscriberID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.charts[subscriberID]
	if !ok {
		return 0, false
	}
	return s.lastBarTime, true
}

func priceEvent(tk shared.Tick) shared.PriceEvent {
	ev := shared.PriceEvent{Symbol: tk.Symbol, Price: tk.Price, Timestamp: tk.Timestamp}
	if tk.Bid > 0 {
		ev.Bid = shared.Float(tk.Bid)
	}
	if tk.Ask > 0 {
		ev.Ask = shared.Float(tk.Ask)
	}
	return ev
}
