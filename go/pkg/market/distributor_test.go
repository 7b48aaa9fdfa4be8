package market

import (
	"sync"
	"testing"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(sym string, px float64, ts int64) shared.Tick {
	return shared.Tick{Symbol: sym, Price: px, Timestamp: ts}
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
	var zero T
	return zero
}

func TestBarsMergeWithinBucket(t *testing.T) {
	d := NewDistributor()
	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)

	d.Publish(tick("XAUUSD", 100, 61_000))
	d.Publish(tick("XAUUSD", 105, 62_000))
	d.Publish(tick("XAUUSD", 98, 63_000))

	first := next(t, ch)
	assert.True(t, first.IsNew)
	assert.Equal(t, int64(60_000), first.Time)
	next(t, ch)
	last := next(t, ch)
	assert.False(t, last.IsNew)
	assert.Equal(t, int64(60_000), last.Time)
	assert.Equal(t, 100.0, last.Open)
	assert.Equal(t, 105.0, last.High)
	assert.Equal(t, 98.0, last.Low)
	assert.Equal(t, 98.0, last.Close)
	assert.Equal(t, int64(3), last.Volume)
	assert.Equal(t, "XAUUSD", last.Symbol)
	assert.Equal(t, shared.Res1m, last.Resolution)
}

func TestBarTimesNeverDecrease(t *testing.T) {
	d := NewDistributor()
	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)

	for _, ts := range []int64{120_000, 61_000, 125_000, 250_000} {
		d.Publish(tick("XAUUSD", 100, ts))
	}

	var times []int64
	var fresh []bool
	for i := 0; i < 4; i++ {
		ev := next(t, ch)
		times = append(times, ev.Time)
		fresh = append(fresh, ev.IsNew)
	}
	assert.Equal(t, []int64{120_000, 180_000, 240_000, 240_000}, times)
	assert.Equal(t, []bool{true, true, true, false}, fresh)

	wm, ok := d.Watermark("a")
	require.True(t, ok)
	assert.Equal(t, int64(240_000), wm)
}

func TestMonthlyCorrectionAdvancesOneCalendarMonth(t *testing.T) {
	d := NewDistributor()
	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1M)
	require.NoError(t, err)

	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC).UnixMilli()
	jan := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC).UnixMilli()
	d.Publish(tick("XAUUSD", 100, feb))
	d.Publish(tick("XAUUSD", 100, jan))

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), next(t, ch).Time)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), next(t, ch).Time)
}

func TestResolutionChangeResetsWatermark(t *testing.T) {
	d := NewDistributor()
	old, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	d.Publish(tick("XAUUSD", 100, 600_000))
	assert.Equal(t, int64(600_000), next(t, old).Time)

	ch, err := d.Subscribe("a", "XAUUSD", shared.Res5m)
	require.NoError(t, err)
	_, open := <-old
	assert.False(t, open, "replaced stream is closed")

	d.Publish(tick("XAUUSD", 101, 61_000))
	ev := next(t, ch)
	assert.Equal(t, int64(0), ev.Time)
	assert.True(t, ev.IsNew)
}

func TestResubscribeStartsWithoutWatermark(t *testing.T) {
	d := NewDistributor()
	old, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	d.Publish(tick("XAUUSD", 100, 600_000))

	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	_, open := <-old
	assert.False(t, open, "replaced stream yields nothing")
	wm, ok := d.Watermark("a")
	require.True(t, ok)
	assert.Zero(t, wm)

	d.Publish(tick("XAUUSD", 100, 61_000))
	ev := next(t, ch)
	assert.Equal(t, int64(60_000), ev.Time)
	assert.True(t, ev.IsNew)
}

func TestSubscribeFromSeedMergesCurrentBucket(t *testing.T) {
	d := NewDistributor()
	seed := shared.Bar{Time: 60_000, Open: 99, High: 103, Low: 97, Close: 101, Volume: 7}
	ch, err := d.SubscribeFrom("a", "XAUUSD", shared.Res1m, &seed)
	require.NoError(t, err)

	d.Publish(tick("XAUUSD", 104, 65_000))
	ev := next(t, ch)
	assert.False(t, ev.IsNew)
	assert.Equal(t, shared.Bar{Time: 60_000, Open: 99, High: 104, Low: 97, Close: 104, Volume: 8}, ev.Bar)

	d.Publish(tick("XAUUSD", 100, 30_000))
	assert.Equal(t, int64(120_000), next(t, ch).Time, "older tick corrected past the seeded bar")
}

func TestUnsubscribeDiscardsBufferedEvents(t *testing.T) {
	d := NewDistributor()
	bars, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	prices, err := d.SubscribePrice("a", "XAUUSD")
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		d.Publish(tick("XAUUSD", 100, 61_000+i))
	}
	require.Len(t, bars, 3)
	require.True(t, d.Unsubscribe("a"))

	n := 0
	for range bars {
		n++
	}
	for range prices {
		n++
	}
	assert.Zero(t, n)
}

func TestUnsubscribeReleasesWatermark(t *testing.T) {
	d := NewDistributor()
	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	d.Publish(tick("XAUUSD", 100, 600_000))

	assert.True(t, d.Unsubscribe("a"))
	assert.False(t, d.Unsubscribe("a"))
	_, ok := d.Watermark("a")
	assert.False(t, ok)

	_, open := <-ch
	assert.False(t, open)

	ch, err = d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	d.Publish(tick("XAUUSD", 100, 61_000))
	assert.Equal(t, int64(60_000), next(t, ch).Time)
}

func TestSubscribersAreIsolated(t *testing.T) {
	d := NewDistributor()
	a, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)
	d.Publish(tick("XAUUSD", 100, 600_000))
	b, err := d.Subscribe("b", "XAUUSD", shared.Res1m)
	require.NoError(t, err)

	d.Publish(tick("XAUUSD", 100, 61_000))
	next(t, a)
	assert.Equal(t, int64(660_000), next(t, a).Time)
	assert.Equal(t, int64(60_000), next(t, b).Time)
}

func TestPriceSubscribers(t *testing.T) {
	d := NewDistributor()
	ch, err := d.SubscribePrice("p", "EURUSD")
	require.NoError(t, err)

	d.Publish(tick("XAUUSD", 2000, 1_000))
	d.Publish(shared.Tick{Symbol: "EURUSD", Price: 1.1, Bid: 1.0999, Timestamp: 2_000})

	ev := next(t, ch)
	assert.Equal(t, "EURUSD", ev.Symbol)
	assert.Equal(t, 1.1, ev.Price)
	require.NotNil(t, ev.Bid)
	assert.Equal(t, 1.0999, *ev.Bid)
	assert.Nil(t, ev.Ask)
	assert.Equal(t, int64(2_000), ev.Timestamp)
	assert.Empty(t, ch)
}

func TestInvalidSubscriptions(t *testing.T) {
	d := NewDistributor()
	_, err := d.Subscribe("", "XAUUSD", shared.Res1m)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = d.Subscribe("a", "", shared.Res1m)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = d.Subscribe("a", "XAUUSD", shared.Resolution("2m"))
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = d.SubscribePrice("a", "")
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	d := NewDistributor(WithBuffer(1))
	ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 10; i++ {
			d.Publish(tick("XAUUSD", 100, 61_000+i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestLastPriceRecordsReceiveTime(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	d := NewDistributor(WithClock(func() time.Time { return at }))

	_, ok := d.LastPrice("XAUUSD")
	assert.False(t, ok)

	d.Publish(tick("XAUUSD", 2000, 1_000))
	d.Publish(tick("XAUUSD", 0, 2_000))

	q, ok := d.LastPrice("XAUUSD")
	require.True(t, ok)
	assert.Equal(t, 2000.0, q.Price)
	assert.Equal(t, at, q.ReceivedAt)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	d := NewDistributor(WithBuffer(4))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 500; i++ {
			d.Publish(tick("XAUUSD", 100, 61_000+i*1_000))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			ch, err := d.Subscribe("a", "XAUUSD", shared.Res1m)
			if err != nil {
				t.Error(err)
				return
			}
			d.Unsubscribe("a")
			for range ch {
			}
		}
	}()
	wg.Wait()
}
