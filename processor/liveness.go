package processor

import (
	"time"

	"github.com/montanaflynn/stats"
)

// GapTracker keeps a rolling window of inter-message arrival gaps and derives
// an adaptive read timeout from their 90th percentile.
type GapTracker struct {
	gaps       []float64
	next       int
	full       bool
	last       time.Time
	multiplier float64
	min        time.Duration
	max        time.Duration
	fallback   time.Duration
}

// NewGapTracker sizes the window to capacity gaps. Until the window is full
// Timeout returns fallback.
func NewGapTracker(capacity int, multiplier float64, min, max, fallback time.Duration) *GapTracker {
	if capacity < 1 {
		capacity = 1
	}
	return &GapTracker{
		gaps:       make([]float64, capacity),
		multiplier: multiplier,
		min:        min,
		max:        max,
		fallback:   fallback,
	}
}

// Observe records a message arrival.
func (g *GapTracker) Observe(at time.Time) {
	if !g.last.IsZero() {
		g.gaps[g.next] = at.Sub(g.last).Seconds()
		g.next++
		if g.next == len(g.gaps) {
			g.next = 0
			g.full = true
		}
	}
	g.last = at
}

// Restart drops the last arrival so the reconnect pause is not counted as a gap.
func (g *GapTracker) Restart() {
	g.last = time.Time{}
}

// Timeout returns clamp(p90 * multiplier, min, max), or the fallback while
// the window is still filling.
func (g *GapTracker) Timeout() time.Duration {
	if !g.full {
		return g.fallback
	}
	p90, err := stats.Percentile(g.gaps, 90)
	if err != nil {
		return g.fallback
	}
	d := time.Duration(p90 * g.multiplier * float64(time.Second))
	if d < g.min {
		d = g.min
	}
	if g.max > 0 && d > g.max {
		d = g.max
	}
	return d
}
