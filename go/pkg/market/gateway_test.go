package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type fixedSnapshot struct{ c shared.Candle }

func (f fixedSnapshot) Snapshot(symbol string, interval shared.Resolution) (shared.Candle, bool) {
	if symbol != f.c.Symbol || interval != f.c.Interval {
		return shared.Candle{}, false
	}
	return f.c, true
}

func dial(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestGatewayChartRoundTrip(t *testing.T) {
	d := NewDistributor()
	snap := fixedSnapshot{c: shared.Candle{Symbol: "XAUUSD", Interval: shared.Res1m, BucketStart: 60_000, Open: 99, High: 99, Low: 99, Close: 99, Volume: 1}}
	conn := dial(t, NewGateway(d, WithSnapshotter(snap)))

	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)
	require.NotEmpty(t, hello.ID)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": "XAUUSD", "resolution": "1m"}))
	assert.Equal(t, "subscribed", readFrame(t, conn).Type)

	f := readFrame(t, conn)
	require.Equal(t, "snapshot", f.Type)
	var snapEv shared.BarEvent
	require.NoError(t, json.Unmarshal(f.Data, &snapEv))
	assert.Equal(t, int64(60_000), snapEv.Time)
	assert.Equal(t, int64(1), snapEv.Volume)

	d.Publish(tick("XAUUSD", 100, 61_000))
	f = readFrame(t, conn)
	require.Equal(t, "bar", f.Type)
	var ev shared.BarEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, int64(60_000), ev.Time)
	assert.False(t, ev.IsNew, "tick merges into the snapshot bar")
	assert.Equal(t, 99.0, ev.Open)
	assert.Equal(t, 100.0, ev.Close)
	assert.Equal(t, int64(2), ev.Volume)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe"}))
	assert.Equal(t, "unsubscribed", readFrame(t, conn).Type)
	_, ok := d.Watermark(hello.ID)
	assert.False(t, ok)
}

func TestGatewayNoFramesAfterUnsubscribed(t *testing.T) {
	d := NewDistributor()
	conn := dial(t, NewGateway(d))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": "XAUUSD", "resolution": "1m"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe_price", "symbol": "XAUUSD"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	for i := int64(0); i < 50; i++ {
		d.Publish(tick("XAUUSD", 100, 61_000+i))
	}
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe"}))
	for {
		if readFrame(t, conn).Type == "unsubscribed" {
			break
		}
	}
	d.Publish(tick("XAUUSD", 101, 62_000))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var f wireFrame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "unexpected frame %q after unsubscribed", f.Type)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestGatewayPriceStream(t *testing.T) {
	d := NewDistributor()
	conn := dial(t, NewGateway(d))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe_price", "symbol": "EURUSD"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	d.Publish(tick("EURUSD", 1.1, 5_000))
	f := readFrame(t, conn)
	require.Equal(t, "price", f.Type)
	var ev shared.PriceEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, 1.1, ev.Price)
}

func TestGatewayRejectsBadControlFrames(t *testing.T) {
	conn := dial(t, NewGateway(NewDistributor()))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": "XAUUSD", "resolution": "7m"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.NotEmpty(t, f.Error)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)
}

func TestGatewayCloseUnsubscribes(t *testing.T) {
	d := NewDistributor()
	conn := dial(t, NewGateway(d))
	hello := readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": "XAUUSD", "resolution": "5m"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Type)
	_, ok := d.Watermark(hello.ID)
	require.True(t, ok)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := d.Watermark(hello.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	var down atomic.Bool
	g := NewGateway(NewDistributor(), WithHealthCheck(func(context.Context) error {
		if down.Load() {
			return errors.New("db unreachable")
		}
		return nil
	}))
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
