package writer

import (
	"sync"
	"time"
)

// FlushHistory keeps the most recent intervals between consecutive flushes.
type FlushHistory struct {
	mu    sync.Mutex
	ring  []int64
	head  int
	size  int
	last  time.Time
	total int64
}

func NewFlushHistory(capacity int) *FlushHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &FlushHistory{ring: make([]int64, capacity)}
}

// Mark records a flush at t.
func (f *FlushHistory) Mark(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	if !f.last.IsZero() {
		f.ring[(f.head+f.size)%len(f.ring)] = t.Sub(f.last).Milliseconds()
		if f.size < len(f.ring) {
			f.size++
		} else {
			f.head = (f.head + 1) % len(f.ring)
		}
	}
	f.last = t
}

// Intervals returns the recorded intervals in milliseconds, oldest first.
func (f *FlushHistory) Intervals() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, f.size)
	for i := 0; i < f.size; i++ {
		out[i] = f.ring[(f.head+i)%len(f.ring)]
	}
	return out
}

// Flushes returns the total number of flushes and the time of the last one.
func (f *FlushHistory) Flushes() (int64, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.last
}
