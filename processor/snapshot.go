package processor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"feedarchive/models"
)

// SnapshotTimer reconstructs the interval lag of an unstamped snapshot stream.
// One timer belongs to one connection instance.
type SnapshotTimer struct {
	nominal time.Duration
	prev    map[string]int64
}

// NewSnapshotTimer returns a timer for a stream with the given push interval.
func NewSnapshotTimer(nominal time.Duration) *SnapshotTimer {
	return &SnapshotTimer{nominal: nominal, prev: make(map[string]int64)}
}

// Observe records a receipt time and returns the lag beyond the nominal
// interval. The first message per symbol only seeds the timer and reports
// ok=false.
func (t *SnapshotTimer) Observe(symbol string, recvMs int64) (lagMs int64, ok bool) {
	prev, seen := t.prev[symbol]
	t.prev[symbol] = recvMs
	if !seen {
		return 0, false
	}
	lag := recvMs - prev - t.nominal.Milliseconds()
	if lag < 0 {
		lag = 0
	}
	return lag, true
}

// Reset forgets every symbol, used after a reconnect.
func (t *SnapshotTimer) Reset() {
	t.prev = make(map[string]int64)
}

// DecodeDepth validates a depth payload and converts its levels.
func DecodeDepth(data []byte) (lastUpdateID int64, bids, asks []models.PriceLevel, err error) {
	var p models.DepthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.LastUpdateID == nil {
		return 0, nil, nil, fmt.Errorf("%w: lastUpdateId", ErrMissingField)
	}
	if p.Bids == nil || p.Asks == nil {
		return 0, nil, nil, fmt.Errorf("%w: bids/asks", ErrMissingField)
	}
	if bids, err = parseLevels(p.Bids); err != nil {
		return 0, nil, nil, err
	}
	if asks, err = parseLevels(p.Asks); err != nil {
		return 0, nil, nil, err
	}
	return *p.LastUpdateID, bids, asks, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("%w: level %v", ErrMalformed, lvl)
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", ErrMalformed, lvl[0])
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: quantity %q", ErrMalformed, lvl[1])
		}
		out = append(out, models.PriceLevel{price, qty})
	}
	return out, nil
}

// SnapshotOrder is the per-symbol admission watermark shared by every
// connection instance of one snapshot stream. A book that did not change is
// re-broadcast with the same update id on the next tick, so an equal id is only
// accepted once at least half a nominal interval has passed.
type SnapshotOrder struct {
	mu       sync.Mutex
	minGapMs int64
	lastID   map[string]int64
	lastRecv map[string]int64
}

// NewSnapshotOrder returns a watermark for a stream with the given interval.
func NewSnapshotOrder(nominal time.Duration) *SnapshotOrder {
	return &SnapshotOrder{
		minGapMs: nominal.Milliseconds() / 2,
		lastID:   make(map[string]int64),
		lastRecv: make(map[string]int64),
	}
}

// Admit reports whether the snapshot should be enqueued and advances the
// watermark when it is.
func (o *SnapshotOrder) Admit(symbol string, updateID, recvMs int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, seen := o.lastID[symbol]
	if seen {
		if updateID < last {
			return false
		}
		if updateID == last && recvMs-o.lastRecv[symbol] < o.minGapMs {
			return false
		}
	}
	o.lastID[symbol] = updateID
	o.lastRecv[symbol] = recvMs
	return true
}
