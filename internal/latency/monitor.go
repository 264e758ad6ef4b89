// Package latency measures one-way feed latency per symbol and derives the
// admission gate that decides when order-book data may be persisted.
package latency

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"feedarchive/logger"
)

var (
	// ErrUnknownSymbol is returned for samples of a symbol the monitor does not track.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrStaleUpdate is returned when an update id does not advance.
	ErrStaleUpdate = errors.New("stale update id")
)

// Config sizes the rolling windows and the gate threshold.
type Config struct {
	WindowSize  int
	SampleMin   int
	Threshold   time.Duration
	SignalSleep time.Duration
}

type window struct {
	samples []int64
	next    int
	size    int
}

func newWindow(capacity int) *window {
	return &window{samples: make([]int64, capacity)}
}

func (w *window) push(v int64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.size < len(w.samples) {
		w.size++
	}
}

func (w *window) values() stats.Float64Data {
	out := make(stats.Float64Data, w.size)
	for i, v := range w.samples[:w.size] {
		out[i] = float64(v)
	}
	return out
}

func (w *window) full() bool { return w.size == len(w.samples) }

// Monitor holds per-symbol latency windows and the signals derived from them.
// The measurement loop writes samples; ingestion loops and the gate read.
type Monitor struct {
	cfg     Config
	symbols []string

	mu      sync.RWMutex
	windows map[string]*window
	rep     map[string]int64
	lastSeq map[string]int64

	valid          *Signal
	enabled        *Signal
	firstSnapshot  *Signal
	firstExecution *Signal

	warmupLogged bool
	log          *logger.Entry
}

// NewMonitor tracks the given symbols.
func NewMonitor(cfg Config, symbols []string) *Monitor {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if cfg.SampleMin < 1 {
		cfg.SampleMin = 1
	}
	if cfg.SampleMin > cfg.WindowSize {
		cfg.SampleMin = cfg.WindowSize
	}
	if cfg.SignalSleep <= 0 {
		cfg.SignalSleep = 2 * time.Second
	}
	m := &Monitor{
		cfg:            cfg,
		symbols:        append([]string(nil), symbols...),
		rep:            make(map[string]int64, len(symbols)),
		valid:          NewSignal(),
		enabled:        NewSignal(),
		firstSnapshot:  NewSignal(),
		firstExecution: NewSignal(),
		log:            logger.GetLogger().WithComponent("latency"),
	}
	m.resetWindowsLocked()
	return m
}

func (m *Monitor) resetWindowsLocked() {
	m.windows = make(map[string]*window, len(m.symbols))
	m.lastSeq = make(map[string]int64, len(m.symbols))
	for _, s := range m.symbols {
		m.windows[s] = newWindow(m.cfg.WindowSize)
	}
}

// Observe records one latency sample computed as recvMs - eventMs. The update
// id must strictly increase per symbol.
func (m *Monitor) Observe(symbol string, updateID, eventMs, recvMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if last, seen := m.lastSeq[symbol]; seen && updateID <= last {
		return fmt.Errorf("%w: %d <= %d", ErrStaleUpdate, updateID, last)
	}
	m.lastSeq[symbol] = updateID

	w.push(recvMs - eventMs)
	if w.size >= m.cfg.SampleMin {
		if median, err := stats.Median(w.values()); err == nil {
			m.rep[symbol] = int64(median)
		}
	}
	m.refreshValidLocked()
	return nil
}

// refreshValidLocked sets the valid signal iff every symbol has enough samples
// and a representative latency under the threshold.
func (m *Monitor) refreshValidLocked() {
	threshold := m.cfg.Threshold.Milliseconds()
	for _, s := range m.symbols {
		w := m.windows[s]
		rep, ok := m.rep[s]
		if !ok || w.size < m.cfg.SampleMin || rep >= threshold {
			if m.valid.Clear() && w.full() {
				m.log.WithFields(logger.Fields{"symbol": s, "latency_ms": rep}).Warn("latency over threshold")
			}
			return
		}
	}
	m.valid.Set()
}

// Reset drops all samples and sequence ids and clears the valid signal. It is
// called when the measurement connection fails. Representative latencies are
// kept so ingestion can keep stamping records while the window refills.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetWindowsLocked()
	m.valid.Clear()
}

// Latency returns the representative latency of symbol in milliseconds.
func (m *Monitor) Latency(symbol string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rep[symbol]
	return v, ok
}

// Latencies returns a copy of every known representative latency.
func (m *Monitor) Latencies() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.rep))
	for k, v := range m.rep {
		out[k] = v
	}
	return out
}

// SampleCounts returns the number of samples currently held per symbol.
func (m *Monitor) SampleCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.windows))
	for k, w := range m.windows {
		out[k] = w.size
	}
	return out
}

func (m *Monitor) allHaveLatency() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.symbols {
		if _, ok := m.rep[s]; !ok {
			return false
		}
	}
	return true
}

// Symbols returns the tracked symbols in sorted order.
func (m *Monitor) Symbols() []string {
	out := append([]string(nil), m.symbols...)
	sort.Strings(out)
	return out
}

func (m *Monitor) Valid() *Signal          { return m.valid }
func (m *Monitor) Enabled() *Signal        { return m.enabled }
func (m *Monitor) FirstSnapshot() *Signal  { return m.firstSnapshot }
func (m *Monitor) FirstExecution() *Signal { return m.firstExecution }
