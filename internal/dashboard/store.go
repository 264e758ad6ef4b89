package dashboard

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"feedarchive/internal/metrics"
)

// ring is a fixed-size buffer that overwrites its oldest item.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](limit int) ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return ring[T]{items: make([]T, limit)}
}

func (r *ring[T]) push(v T) {
	r.items[(r.head+r.size)%len(r.items)] = v
	if r.size < len(r.items) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

func (r *ring[T]) list() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// metricStore keeps the most recent metrics emitted by the feed plus the last
// value of every series. It is safe for concurrent use.
type metricStore struct {
	mu     sync.RWMutex
	recent ring[metrics.Metric]
	latest map[string]metrics.Metric
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{recent: newRing[metrics.Metric](limit), latest: make(map[string]metrics.Metric)}
}

// seriesKey identifies a metric by name and its symbol or kind field.
func seriesKey(m metrics.Metric) string {
	key := m.Component + "/" + m.Name
	for _, f := range []string{"kind", "symbol", "stream"} {
		if v, ok := m.Fields[f]; ok {
			key += fmt.Sprintf("/%v", v)
		}
	}
	return key
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.push(m)
	s.latest[seriesKey(m)] = m
}

func (s *metricStore) snapshot() []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recent.list()
}

// latestValues returns the last metric of every series sorted by key.
func (s *metricStore) latestValues() []metrics.Metric {
	s.mu.RLock()
	keys := make([]string, 0, len(s.latest))
	for k := range s.latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]metrics.Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.latest[k])
	}
	s.mu.RUnlock()
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping the most recent entries for /api/logs.
type logStore struct {
	mu      sync.RWMutex
	records ring[logRecord]
	levels  []logrus.Level
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	return newLogStoreAt(limit, logrus.InfoLevel)
}

// newLogStoreAt captures entries at min severity or above.
func newLogStoreAt(limit int, min logrus.Level) *logStore {
	ls := &logStore{records: newRing[logRecord](limit)}
	for _, lvl := range logrus.AllLevels {
		if lvl <= min {
			ls.levels = append(ls.levels, lvl)
		}
	}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return s.levels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}

	s.mu.Lock()
	s.records.push(rec)
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.list()
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
