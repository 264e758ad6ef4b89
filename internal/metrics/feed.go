package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"feedarchive/logger"
)

const namespace = "feedarchive"

var (
	registry = prometheus.NewRegistry()

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_backpressure_total",
		Help:      "Enqueue attempts that found the symbol queue full.",
	}, []string{"kind", "symbol"})

	handoffTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hotswap_handoffs_total",
		Help:      "Committed handoffs from a main to a backup connection.",
	}, []string{"stream"})

	archiveJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_jobs_total",
		Help:      "Finished compression and merge jobs by outcome.",
	}, []string{"job", "kind", "outcome"})

	recordsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_written_total",
		Help:      "Records flushed to disk.",
	}, []string{"kind", "symbol"})
)

func init() {
	registry.MustRegister(
		backpressureTotal,
		handoffTotal,
		archiveJobsTotal,
		recordsWrittenTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the Prometheus registry holding the feed collectors.
// Callers may register additional collectors on it.
func Registry() *prometheus.Registry {
	return registry
}

// EmitBackpressureMetric records one full-queue event.
func EmitBackpressureMetric(log *logger.Log, kind, symbol string) {
	backpressureTotal.WithLabelValues(kind, symbol).Inc()
	EmitMetric(log, "queues", "queue_backpressure", 1, "counter", logger.Fields{
		"kind":   kind,
		"symbol": symbol,
	})
}

// EmitHandoffMetric records a committed hotswap.
func EmitHandoffMetric(log *logger.Log, stream string) {
	handoffTotal.WithLabelValues(stream).Inc()
	EmitMetric(log, "hotswap", "hotswap_handoff", 1, "counter", logger.Fields{"stream": stream})
}

// EmitArchiveMetric records the outcome of a compression or merge job.
func EmitArchiveMetric(log *logger.Log, job, kind string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	archiveJobsTotal.WithLabelValues(job, kind, outcome).Inc()
	EmitMetric(log, "archive", "archive_job", 1, "counter", logger.Fields{
		"job":        job,
		"kind":       kind,
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// RecordWritten counts one flushed record. It is on the hot path so it only
// touches the Prometheus counter.
func RecordWritten(kind, symbol string) {
	recordsWrittenTotal.WithLabelValues(kind, symbol).Inc()
}

// DepthSource exposes queue depths keyed by kind then symbol.
type DepthSource interface {
	Depths() map[string]map[string]int
	Capacities() map[string]int
}

// StartQueueDepthMetrics emits a gauge per symbol queue every interval until
// ctx is done.
func StartQueueDepthMetrics(ctx context.Context, src DepthSource, interval time.Duration) {
	if src == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitQueueDepths(log, src)
			}
		}
	}()
}

func emitQueueDepths(log *logger.Log, src DepthSource) {
	caps := src.Capacities()
	depths := src.Depths()
	kinds := make([]string, 0, len(depths))
	for k := range depths {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		for symbol, depth := range depths[kind] {
			EmitMetric(log, "queues", "queue_depth", depth, "gauge", logger.Fields{
				"kind":     kind,
				"symbol":   symbol,
				"capacity": caps[kind],
			})
		}
	}
}
