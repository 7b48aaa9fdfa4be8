package main

import (
	"container/heap"
	"context"
	"math/rand"
	"time"

	"market-engine/go/pkg/shared"
)

// SimSource emits a synthetic random walk per symbol. A rotating subset of hot symbols ticks at
// hotTPS, the rest at baseTPS.
type SimSource struct {
	symbols   []string
	baseTPS   float64
	hotTPS    float64
	hotPct    float64
	hotRotate time.Duration
	step      time.Duration
	basePrice float64
	spread    float64
	seed      int64
}

type simSchedule struct {
	symbol string
	due    time.Time
}

type simScheduleHeap []simSchedule

func (h simScheduleHeap) Len() int           { return len(h) }
func (h simScheduleHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h simScheduleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *simScheduleHeap) Push(x any) {
	*h = append(*h, x.(simSchedule))
}

func (h *simScheduleHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

func sampleGap(rateTPS float64, rng *rand.Rand) time.Duration {
	if rateTPS <= 0 {
		return time.Second
	}
	sec := rng.ExpFloat64() / rateTPS
	if sec < 0.0005 {
		sec = 0.0005
	}
	return time.Duration(sec * float64(time.Second))
}

func symbolRate(sym string, hot map[string]struct{}, baseTPS, hotTPS float64) float64 {
	if _, ok := hot[sym]; ok {
		return hotTPS
	}
	return baseTPS
}

func (s *SimSource) defaults() {
	if len(s.symbols) == 0 {
		s.symbols = []string{"SIM"}
	}
	if s.step <= 0 {
		s.step = 20 * time.Millisecond
	}
	if s.basePrice <= 0 {
		s.basePrice = 2500.0
	}
	if s.spread < 0 {
		s.spread = 0
	}
	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}
}

// walk advances one symbol's price and builds its tick.
func (s *SimSource) walk(prices map[string]float64, sym string, rng *rand.Rand, now time.Time) shared.Tick {
	price := prices[sym] + rng.Float64()*0.8 - 0.4
	if price < 1.0 {
		price = 1.0
	}
	prices[sym] = price
	tk := shared.Tick{Symbol: sym, Price: price, Timestamp: now.UnixMilli()}
	if s.spread > 0 {
		tk.Bid = price - s.spread/2
		tk.Ask = price + s.spread/2
	}
	return tk
}

// Start closes out when ctx is cancelled.
func (s *SimSource) Start(ctx context.Context, out chan<- shared.Tick) error {
	s.defaults()
	rng := rand.New(rand.NewSource(s.seed))
	prices := make(map[string]float64, len(s.symbols))
	for _, sym := range s.symbols {
		prices[sym] = s.basePrice + (rng.Float64()*10.0 - 5.0)
	}
	hot := pickHotSymbols(s.symbols, s.hotPct, rng)
	nextRotate := time.Now().Add(s.hotRotate)
	sched := make(simScheduleHeap, 0, len(s.symbols))
	now := time.Now()
	for _, sym := range s.symbols {
		rate := symbolRate(sym, hot, s.baseTPS, s.hotTPS)
		jitter := time.Duration(rng.Float64() * float64(time.Second))
		heap.Push(&sched, simSchedule{symbol: sym, due: now.Add(jitter + sampleGap(rate, rng))})
	}

	timer := time.NewTimer(time.Millisecond)
	go func() {
		defer timer.Stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				now = time.Now()
				if s.hotRotate > 0 && now.After(nextRotate) {
					hot = pickHotSymbols(s.symbols, s.hotPct, rng)
					nextRotate = now.Add(s.hotRotate)
				}

				for emitted := 0; sched.Len() > 0 && emitted < 2048; emitted++ {
					if sched[0].due.After(now) {
						break
					}
					item := heap.Pop(&sched).(simSchedule)
					select {
					case <-ctx.Done():
						return
					case out <- s.walk(prices, item.symbol, rng, time.Now()):
					}
					item.due = time.Now().Add(sampleGap(symbolRate(item.symbol, hot, s.baseTPS, s.hotTPS), rng))
					heap.Push(&sched, item)
					now = time.Now()
				}
				timer.Reset(s.nextWait(sched, nextRotate))
			}
		}
	}()
	return nil
}

func (s *SimSource) nextWait(sched simScheduleHeap, nextRotate time.Time) time.Duration {
	wait := s.step
	if sched.Len() > 0 {
		wait = min(wait, time.Until(sched[0].due))
	}
	if s.hotRotate > 0 {
		wait = min(wait, time.Until(nextRotate))
	}
	return min(max(wait, time.Millisecond), 50*time.Millisecond)
}

func pickHotSymbols(symbols []string, pct float64, rng *rand.Rand) map[string]struct{} {
	out := map[string]struct{}{}
	if pct <= 0 || len(symbols) == 0 {
		return out
	}
	want := max(int(float64(len(symbols))*pct), 1)
	if want >= len(symbols) {
		for _, sym := range symbols {
			out[sym] = struct{}{}
		}
		return out
	}
	perm := rng.Perm(len(symbols))
	for i := 0; i < want; i++ {
		out[symbols[perm[i]]] = struct{}{}
	}
	return out
}
