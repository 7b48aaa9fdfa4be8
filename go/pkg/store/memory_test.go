package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUpsertCandlesKeepsOneRowPerKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c := shared.Candle{Symbol: "XAUUSD", Interval: shared.Res1m, BucketStart: 60_000, Open: 100, High: 105, Low: 98, Close: 102, Volume: 4}

	require.NoError(t, m.UpsertCandles(ctx, []shared.Candle{c}))
	require.NoError(t, m.UpsertCandles(ctx, []shared.Candle{c}))

	got := m.Candles("XAUUSD", shared.Res1m)
	require.Len(t, got, 1)
	assert.Equal(t, c, got[0])
	assert.Equal(t, 2, m.UpsertCount())
}

func TestMemoryCloseTradeOnlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := m.AddTrade(shared.Trade{UserID: "u1", Symbol: "XAUUSD", Side: shared.SideBuy, Volume: 2, EntryPrice: 2000})
	m.SetBalance("u1", decimal.NewFromInt(1000))

	closure := shared.TradeClosure{
		TradeID:    id,
		UserID:     "u1",
		ClosePrice: 1989,
		CloseTime:  time.Unix(100, 0),
		ProfitLoss: decimal.NewFromInt(-22),
		Reason:     shared.ReasonStopLoss,
	}

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.CloseTrade(ctx, closure)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	tr, ok := m.Trade(id)
	require.True(t, ok)
	assert.Equal(t, shared.TradeClosed, tr.Status)
	require.NotNil(t, tr.ClosePrice)
	assert.Equal(t, 1989.0, *tr.ClosePrice)
	assert.Equal(t, shared.ReasonStopLoss, tr.CloseReason)

	w, err := m.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(978)), "balance %s", w.Balance)
	assert.Len(t, m.Settlements(), 1)

	open, err := m.OpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryCloseUnknownTrade(t *testing.T) {
	m := NewMemory()
	_, err := m.CloseTrade(context.Background(), shared.TradeClosure{TradeID: 42})
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestMemoryOpenTradesFiltersBySymbol(t *testing.T) {
	m := NewMemory()
	m.AddTrade(shared.Trade{UserID: "u1", Symbol: "XAUUSD", Side: shared.SideBuy, Volume: 1, EntryPrice: 2000})
	m.AddTrade(shared.Trade{UserID: "u1", Symbol: "EURUSD", Side: shared.SideSell, Volume: 1, EntryPrice: 1.1})

	got, err := m.OpenTrades(context.Background(), "EURUSD")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EURUSD", got[0].Symbol)

	all, err := m.OpenTrades(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
