// Package channel holds the bounded per-symbol record queues between the
// ingestion loops and the persistence workers.
package channel

import (
	"context"
	"sort"
	"sync/atomic"

	"feedarchive/internal/metrics"
	"feedarchive/logger"
	"feedarchive/models"
)

// QueueStats counts traffic through one symbol queue.
type QueueStats struct {
	Sent         int64 `json:"sent"`
	Backpressure int64 `json:"backpressure"`
	Abandoned    int64 `json:"abandoned"`
}

type queue struct {
	ch           chan models.Record
	sent         atomic.Int64
	backpressure atomic.Int64
	abandoned    atomic.Int64
}

// Queues is the fixed set of per-symbol queues of one stream kind. The set is
// built once at startup and never changes.
type Queues struct {
	kind   string
	queues map[string]*queue
	log    *logger.Log
}

// NewQueues creates one queue of the given capacity per symbol.
func NewQueues(kind string, symbols []string, capacity int) *Queues {
	if capacity < 1 {
		capacity = 1
	}
	log := logger.GetLogger()
	q := &Queues{
		kind:   kind,
		queues: make(map[string]*queue, len(symbols)),
		log:    log,
	}
	for _, s := range symbols {
		q.queues[s] = &queue{ch: make(chan models.Record, capacity)}
	}
	log.WithComponent("queues").WithFields(logger.Fields{
		"kind":     kind,
		"symbols":  len(symbols),
		"capacity": capacity,
	}).Info("record queues initialized")
	return q
}

// Kind returns the stream kind carried by these queues.
func (q *Queues) Kind() string { return q.kind }

// Put enqueues rec for symbol. A full queue is reported as backpressure and
// the call then blocks until there is room or ctx is done; records are never
// silently dropped. It returns false when ctx ended first or the symbol is
// unknown.
func (q *Queues) Put(ctx context.Context, symbol string, rec models.Record) bool {
	sq, ok := q.queues[symbol]
	if !ok {
		return false
	}
	select {
	case sq.ch <- rec:
		sq.sent.Add(1)
		return true
	default:
	}

	n := sq.backpressure.Add(1)
	q.log.WithComponent("queues").WithFields(logger.Fields{
		"kind":     q.kind,
		"symbol":   symbol,
		"capacity": cap(sq.ch),
		"events":   n,
	}).Warn("queue full, persistence is stalling; blocking producer")
	metrics.EmitBackpressureMetric(q.log, q.kind, symbol)

	select {
	case sq.ch <- rec:
		sq.sent.Add(1)
		return true
	case <-ctx.Done():
		sq.abandoned.Add(1)
		return false
	}
}

// Receive returns the consumer side of the symbol's queue.
func (q *Queues) Receive(symbol string) <-chan models.Record {
	sq, ok := q.queues[symbol]
	if !ok {
		return nil
	}
	return sq.ch
}

// Symbols returns the queue symbols in sorted order.
func (q *Queues) Symbols() []string {
	out := make([]string, 0, len(q.queues))
	for s := range q.queues {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Depths returns a snapshot of the current length of every queue.
func (q *Queues) Depths() map[string]int {
	out := make(map[string]int, len(q.queues))
	for s, sq := range q.queues {
		out[s] = len(sq.ch)
	}
	return out
}

// Capacity returns the capacity shared by every queue.
func (q *Queues) Capacity() int {
	for _, sq := range q.queues {
		return cap(sq.ch)
	}
	return 0
}

// Stats returns per-symbol counters.
func (q *Queues) Stats() map[string]QueueStats {
	out := make(map[string]QueueStats, len(q.queues))
	for s, sq := range q.queues {
		out[s] = QueueStats{
			Sent:         sq.sent.Load(),
			Backpressure: sq.backpressure.Load(),
			Abandoned:    sq.abandoned.Load(),
		}
	}
	return out
}

// Set groups the queues of every stream kind. Queues of the same kind from
// several shards are merged since symbols never overlap between shards.
type Set struct {
	byKind map[string][]*Queues
}

func NewSet(qs ...*Queues) *Set {
	s := &Set{byKind: make(map[string][]*Queues, len(qs))}
	for _, q := range qs {
		if q != nil {
			s.byKind[q.kind] = append(s.byKind[q.kind], q)
		}
	}
	return s
}

// Depths returns queue depths keyed by kind then symbol.
func (s *Set) Depths() map[string]map[string]int {
	out := make(map[string]map[string]int, len(s.byKind))
	for k, qs := range s.byKind {
		m := make(map[string]int)
		for _, q := range qs {
			for sym, d := range q.Depths() {
				m[sym] = d
			}
		}
		out[k] = m
	}
	return out
}

// Capacities returns the queue capacity per kind.
func (s *Set) Capacities() map[string]int {
	out := make(map[string]int, len(s.byKind))
	for k, qs := range s.byKind {
		for _, q := range qs {
			if c := q.Capacity(); c > 0 {
				out[k] = c
			}
		}
	}
	return out
}

// Stats returns counters keyed by kind then symbol.
func (s *Set) Stats() map[string]map[string]QueueStats {
	out := make(map[string]map[string]QueueStats, len(s.byKind))
	for k, qs := range s.byKind {
		m := make(map[string]QueueStats)
		for _, q := range qs {
			for sym, st := range q.Stats() {
				m[sym] = st
			}
		}
		out[k] = m
	}
	return out
}
