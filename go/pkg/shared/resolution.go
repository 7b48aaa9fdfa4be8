package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Resolution is a chart/candle bucket width.
type Resolution string

const (
	Res1m  Resolution = "1m"
	Res5m  Resolution = "5m"
	Res15m Resolution = "15m"
	Res30m Resolution = "30m"
	Res1h  Resolution = "1h"
	Res4h  Resolution = "4h"
	Res1D  Resolution = "1D"
	Res1W  Resolution = "1W"
	Res1M  Resolution = "1M"
)

var ErrUnknownResolution = errors.New("unknown resolution")

const (
	minuteMs = int64(time.Minute / time.Millisecond)
	hourMs   = 60 * minuteMs
	dayMs    = 24 * hourMs
)

// Resolutions lists every supported resolution, finest first.
func Resolutions() []Resolution {
	return []Resolution{Res1m, Res5m, Res15m, Res30m, Res1h, Res4h, Res1D, Res1W, Res1M}
}

// ParseResolution accepts the canonical names plus a few common aliases ("60", "D", "1d").
func ParseResolution(raw string) (Resolution, error) {
	s := strings.TrimSpace(raw)
	switch s {
	case "1", "1m":
		return Res1m, nil
	case "5", "5m":
		return Res5m, nil
	case "15", "15m":
		return Res15m, nil
	case "30", "30m":
		return Res30m, nil
	case "60", "1h", "1H":
		return Res1h, nil
	case "240", "4h", "4H":
		return Res4h, nil
	case "D", "1D", "1d":
		return Res1D, nil
	case "W", "1W", "1w":
		return Res1W, nil
	case "M", "1M", "1mo":
		return Res1M, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResolution, raw)
}

// ParseResolutions parses a comma separated list such as "1m,5m,1h".
func ParseResolutions(raw string) ([]Resolution, error) {
	parts := SplitList(raw)
	out := make([]Resolution, 0, len(parts))
	seen := make(map[Resolution]struct{}, len(parts))
	for _, p := range parts {
		r, err := ParseResolution(p)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrUnknownResolution)
	}
	return out, nil
}

func (r Resolution) Valid() bool {
	return IntervalMs(r) > 0
}

// IntervalMs is the nominal bucket width. Months count as 30 days; use NextBucketTime for
// calendar-exact arithmetic.
func IntervalMs(r Resolution) int64 {
	switch r {
	case Res1m:
		return minuteMs
	case Res5m:
		return 5 * minuteMs
	case Res15m:
		return 15 * minuteMs
	case Res30m:
		return 30 * minuteMs
	case Res1h:
		return hourMs
	case Res4h:
		return 4 * hourMs
	case Res1D:
		return dayMs
	case Res1W:
		return 7 * dayMs
	case Res1M:
		return 30 * dayMs
	default:
		return 0
	}
}

// BucketTime rounds a millisecond timestamp down to the start of its bucket (UTC).
func BucketTime(ts int64, r Resolution) int64 {
	switch r {
	case Res1m, Res5m, Res15m, Res30m, Res1h, Res4h, Res1D:
		return floorTo(ts, IntervalMs(r))
	case Res1W:
		day := floorTo(ts, dayMs)
		t := time.UnixMilli(day).UTC()
		// Monday = 0
		offset := (int64(t.Weekday()) + 6) % 7
		return day - offset*dayMs
	case Res1M:
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return ts
	}
}

// NextBucketTime returns the start of the bucket following the one starting at start.
func NextBucketTime(start int64, r Resolution) int64 {
	if r == Res1M {
		t := time.UnixMilli(start).UTC()
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return start + IntervalMs(r)
}

func floorTo(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	b := (ts / width) * width
	if ts < 0 && ts%width != 0 {
		b -= width
	}
	return b
}
