package store

import (
	"context"
	"sort"
	"sync"

	"market-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

// Memory is an in-process store with the same contract as Postgres. It backs the simulator
// mode and the package tests.
type Memory struct {
	mu          sync.Mutex
	candles     map[shared.CandleKey]shared.Candle
	upserts     int
	trades      map[int64]*shared.Trade
	nextID      int64
	wallets     map[string]decimal.Decimal
	settlements map[int64]decimal.Decimal
}

func NewMemory() *Memory {
	return &Memory{
		candles:     make(map[shared.CandleKey]shared.Candle),
		trades:      make(map[int64]*shared.Trade),
		wallets:     make(map[string]decimal.Decimal),
		settlements: make(map[int64]decimal.Decimal),
	}
}

func (m *Memory) UpsertCandles(ctx context.Context, candles []shared.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		m.candles[c.Key()] = c
		m.upserts++
	}
	return nil
}

// Candles returns the stored candles of one series ordered by bucket start.
func (m *Memory) Candles(symbol string, interval shared.Resolution) []shared.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shared.Candle, 0)
	for k, c := range m.candles {
		if k.Symbol == symbol && k.Interval == interval {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out
}

// UpsertCount is the number of candle rows written, including overwrites.
func (m *Memory) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// AddTrade stores a trade and returns its id, assigning one when ID is zero.
func (m *Memory) AddTrade(t shared.Trade) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	} else if t.ID > m.nextID {
		m.nextID = t.ID
	}
	if t.Status == "" {
		t.Status = shared.TradeOpen
	}
	m.trades[t.ID] = &t
	return t.ID
}

func (m *Memory) Trade(id int64) (shared.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return shared.Trade{}, false
	}
	return *t, true
}

func (m *Memory) OpenTrades(ctx context.Context, symbol string) ([]shared.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shared.Trade, 0)
	for _, t := range m.trades {
		if t.Status != shared.TradeOpen {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CloseTrade applies the closure only while the trade is open. Settlement is keyed by trade id.
func (m *Memory) CloseTrade(ctx context.Context, c shared.TradeClosure) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[c.TradeID]
	if !ok {
		return false, ErrTradeNotFound
	}
	if t.Status != shared.TradeOpen {
		return false, nil
	}
	px, at, pnl := c.ClosePrice, c.CloseTime, c.ProfitLoss
	t.Status = shared.TradeClosed
	t.ClosePrice = &px
	t.CloseTime = &at
	t.ProfitLoss = &pnl
	t.CloseReason = c.Reason

	if _, settled := m.settlements[t.ID]; !settled {
		m.settlements[t.ID] = pnl
		m.wallets[t.UserID] = m.wallets[t.UserID].Add(pnl)
	}
	return true, nil
}

func (m *Memory) SetBalance(owner string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[owner] = balance
}

func (m *Memory) Wallet(ctx context.Context, owner string) (shared.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return shared.Wallet{OwnerID: owner, Balance: m.wallets[owner]}, nil
}

// Settlements returns the settled amount per trade id.
func (m *Memory) Settlements() map[int64]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]decimal.Decimal, len(m.settlements))
	for k, v := range m.settlements {
		out[k] = v
	}
	return out
}
