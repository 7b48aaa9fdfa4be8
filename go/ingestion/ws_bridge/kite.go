package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"market-engine/go/pkg/shared"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// KiteWSSource streams live ticks from the Zerodha websocket.
type KiteWSSource struct {
	apiKey      string
	accessToken string
	mode        kiteticker.Mode
	tokens      []uint32
	tokenToSym  map[uint32]string
	log         shared.Logger
	metrics     ingestMetrics
}

func kiteMode(raw string) kiteticker.Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "full":
		return kiteticker.ModeFull
	case "quote":
		return kiteticker.ModeQuote
	default:
		return kiteticker.ModeLTP
	}
}

func (k *KiteWSSource) Start(ctx context.Context, out chan<- shared.Tick) error {
	if len(k.tokens) == 0 {
		return errors.New("no tokens to subscribe")
	}
	t := kiteticker.New(k.apiKey, k.accessToken)

	t.OnError(func(err error) {
		k.log.Errorf("[ws] error: %v", err)
		k.metrics.wsEvents.WithLabelValues("error").Inc()
	})
	t.OnClose(func(code int, reason string) {
		k.log.Printf("[ws] closed %d %s", code, reason)
		k.metrics.wsEvents.WithLabelValues("close").Inc()
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		k.log.Printf("[ws] reconnecting attempt=%d delay=%s", attempt, delay)
		k.metrics.wsEvents.WithLabelValues("reconnect").Inc()
	})
	t.OnConnect(func() {
		k.log.Printf("[ws] connected; subscribing %d tokens", len(k.tokens))
		k.metrics.wsEvents.WithLabelValues("connect").Inc()
		for _, chunk := range chunkTokens(k.tokens, 200) {
			if err := t.Subscribe(chunk); err != nil {
				k.log.Errorf("[ws] subscribe chunk failed: %v", err)
			}
			if err := t.SetMode(k.mode, chunk); err != nil {
				k.log.Errorf("[ws] set mode failed: %v", err)
			}
		}
	})
	t.OnNoReconnect(func(attempt int) {
		k.log.Errorf("[ws] no more reconnects after attempt %d", attempt)
		k.metrics.wsEvents.WithLabelValues("noreconnect").Inc()
	})
	t.OnTick(func(tk kitemodels.Tick) {
		outTick, ok := k.normalize(tk, time.Now())
		if !ok {
			k.metrics.dropped.Inc()
			return
		}
		select {
		case out <- outTick:
		default:
			k.metrics.dropped.Inc()
		}
	})

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	go t.ServeWithContext(ctx)
	return nil
}

// normalize maps a Kite tick onto the engine schema. The exchange timestamp wins over receive
// time when present; the top of book fills bid/ask in full mode.
func (k *KiteWSSource) normalize(tk kitemodels.Tick, received time.Time) (shared.Tick, bool) {
	sym := k.tokenToSym[tk.InstrumentToken]
	if sym == "" {
		return shared.Tick{}, false
	}
	ts := tk.Timestamp.Time
	if ts.IsZero() {
		ts = received
	}
	out := shared.Tick{
		Symbol:    sym,
		Price:     tk.LastPrice,
		Bid:       tk.Depth.Buy[0].Price,
		Ask:       tk.Depth.Sell[0].Price,
		Timestamp: ts.UnixMilli(),
	}
	return out, out.Valid()
}
