package shared

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the normalized ingress schema produced by the tick source adapter.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	Timestamp int64   `json:"timestamp"` // milliseconds epoch
}

// Valid reports whether the tick can be aggregated. Malformed ticks are dropped at ingress.
func (t Tick) Valid() bool {
	if t.Symbol == "" || t.Timestamp <= 0 {
		return false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return false
	}
	return true
}

func (t Tick) EventTime() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Candle is a persisted OHLCV row keyed by (symbol, interval, bucket start).
type Candle struct {
	Symbol      string     `json:"symbol"`
	Interval    Resolution `json:"interval"`
	BucketStart int64      `json:"bucket_start"` // milliseconds epoch
	Open        float64    `json:"open"`
	High        float64    `json:"high"`
	Low         float64    `json:"low"`
	Close       float64    `json:"close"`
	Volume      int64      `json:"volume"`
}

// Key identifies the candle row.
func (c Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Interval: c.Interval, BucketStart: c.BucketStart}
}

// BucketEnd is the first millisecond that belongs to the next bucket.
func (c Candle) BucketEnd() int64 {
	return NextBucketTime(c.BucketStart, c.Interval)
}

// Bar is the candle as a chart bar.
func (c Candle) Bar() Bar {
	return Bar{Time: c.BucketStart, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
}

// Update merges one tick price into the candle.
func (c *Candle) Update(px float64) {
	if c.Volume == 0 {
		c.Open, c.High, c.Low, c.Close = px, px, px, px
		c.Volume = 1
		return
	}
	if px > c.High {
		c.High = px
	}
	if px < c.Low {
		c.Low = px
	}
	c.Close = px
	c.Volume++
}

// CandleKey is the upsert key of a candle.
type CandleKey struct {
	Symbol      string
	Interval    Resolution
	BucketStart int64
}

// Bar is a resolution-bucketed bar delivered to chart subscribers.
type Bar struct {
	Time   int64   `json:"time"` // bucket start, milliseconds epoch
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// BarEvent is one emission on a (symbol, resolution) chart channel.
type BarEvent struct {
	Symbol     string     `json:"symbol"`
	Resolution Resolution `json:"resolution"`
	Bar
	IsNew bool `json:"is_new"`
}

// PriceEvent is the raw per-symbol egress event.
type PriceEvent struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Bid       *float64 `json:"bid,omitempty"`
	Ask       *float64 `json:"ask,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// CloseReason records which threshold closed a trade.
type CloseReason string

const (
	ReasonNone       CloseReason = ""
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"
)

// Trade is an open or closed position owned by a user.
type Trade struct {
	ID          int64            `json:"id"`
	UserID      string           `json:"user_id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Volume      float64          `json:"volume"`
	EntryPrice  float64          `json:"entry_price"`
	StopLoss    *float64         `json:"stop_loss,omitempty"`
	TakeProfit  *float64         `json:"take_profit,omitempty"`
	Status      TradeStatus      `json:"status"`
	ClosePrice  *float64         `json:"close_price,omitempty"`
	CloseTime   *time.Time       `json:"close_time,omitempty"`
	ProfitLoss  *decimal.Decimal `json:"profit_loss,omitempty"`
	CloseReason CloseReason      `json:"close_reason,omitempty"`
}

// TradeClosedEvent is produced after a successful automatic closure.
type TradeClosedEvent struct {
	TradeID    int64           `json:"trade_id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	ClosePrice float64         `json:"close_price"`
	CloseTime  time.Time       `json:"close_time"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	Reason     CloseReason     `json:"reason"`
}

// Wallet is an owner's settled balance.
type Wallet struct {
	OwnerID string          `json:"owner_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Float returns a pointer to v; handy for optional thresholds.
func Float(v float64) *float64 {
	return &v
}

// TradeClosure is the open->closed transition applied by the risk monitor. The store applies it
// only if the trade is still open, and settles ProfitLoss to the owner's wallet exactly once.
type TradeClosure struct {
	TradeID    int64
	UserID     string
	ClosePrice float64
	CloseTime  time.Time
	ProfitLoss decimal.Decimal
	Reason     CloseReason
}
