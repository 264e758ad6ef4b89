// Package status aggregates read-only views of the running feed for the HTTP
// status surface and the Prometheus scrape.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"feedarchive/internal/channel"
	"feedarchive/internal/hotswap"
	"feedarchive/internal/latency"
	"feedarchive/writer"
)

// Stream is a connection-managed stream.
type Stream interface {
	Name() string
	Coordinator() *hotswap.Coordinator
}

// FlushSource is a persistence worker exposing its flush history.
type FlushSource interface {
	Symbol() string
	Kind() string
	History() *writer.FlushHistory
}

// Shard groups the parts of one shard that report state.
type Shard struct {
	LocalIP string
	Monitor *latency.Monitor
	Streams []Stream
	Workers []FlushSource

	// Snapshots and Executions report whether the stream kind runs in this shard.
	Snapshots  bool
	Executions bool
}

// Collector builds Snapshots from the live components. Components are added at
// startup and never removed.
type Collector struct {
	started time.Time
	queues  *channel.Set
	handles *writer.HandleMap

	mu     sync.RWMutex
	shards []Shard
	pools  []*writer.Pool
}

func NewCollector(queues *channel.Set, handles *writer.HandleMap) *Collector {
	return &Collector{started: time.Now(), queues: queues, handles: handles}
}

func (c *Collector) AddShard(s Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards = append(c.shards, s)
}

func (c *Collector) AddPool(p *writer.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, p)
}

// FlushView is the flush history of one worker.
type FlushView struct {
	Kind        string    `json:"kind"`
	Symbol      string    `json:"symbol"`
	Flushes     int64     `json:"flushes"`
	LastFlush   time.Time `json:"last_flush"`
	IntervalsMs []int64   `json:"intervals_ms"`
}

// ShardView is the state of one shard.
type ShardView struct {
	LocalIP        string           `json:"local_ip,omitempty"`
	Symbols        []string         `json:"symbols"`
	LatenciesMs    map[string]int64 `json:"latencies_ms"`
	Samples        map[string]int   `json:"samples"`
	LatencyValid   bool             `json:"latency_valid"`
	StreamEnabled  bool             `json:"stream_enabled"`
	FirstSnapshot  bool             `json:"first_snapshot"`
	FirstExecution bool             `json:"first_execution"`
	Streams        []hotswap.Status `json:"streams"`
}

// Snapshot is the full status document.
type Snapshot struct {
	Timestamp time.Time                                `json:"timestamp"`
	Uptime    string                                   `json:"uptime"`
	Ready     bool                                     `json:"ready"`
	Shards    []ShardView                              `json:"shards"`
	Queues    map[string]map[string]int                `json:"queue_depths"`
	Capacity  map[string]int                           `json:"queue_capacity"`
	Traffic   map[string]map[string]channel.QueueStats `json:"queue_traffic"`
	Handles   []writer.HandleInfo                      `json:"open_handles"`
	Flushes   []FlushView                              `json:"flushes"`
	Pools     []writer.PoolStats                       `json:"pools"`
}

// Ready reports whether every shard has persisted its first record of every
// enabled stream kind.
func (c *Collector) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.shards) == 0 {
		return false
	}
	for _, s := range c.shards {
		if !shardReady(s) {
			return false
		}
	}
	return true
}

func shardReady(s Shard) bool {
	if s.Monitor == nil {
		return false
	}
	if s.Snapshots && !s.Monitor.FirstSnapshot().IsSet() {
		return false
	}
	if s.Executions && !s.Monitor.FirstExecution().IsSet() {
		return false
	}
	return true
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	shards := append([]Shard(nil), c.shards...)
	pools := append([]*writer.Pool(nil), c.pools...)
	c.mu.RUnlock()

	now := time.Now()
	snap := Snapshot{
		Timestamp: now,
		Uptime:    now.Sub(c.started).Round(time.Second).String(),
		Ready:     c.Ready(),
	}
	if c.queues != nil {
		snap.Queues = c.queues.Depths()
		snap.Capacity = c.queues.Capacities()
		snap.Traffic = c.queues.Stats()
	}
	if c.handles != nil {
		snap.Handles = c.handles.Snapshot()
	}

	for _, s := range shards {
		view := ShardView{LocalIP: s.LocalIP}
		if m := s.Monitor; m != nil {
			view.Symbols = m.Symbols()
			view.LatenciesMs = m.Latencies()
			view.Samples = m.SampleCounts()
			view.LatencyValid = m.Valid().IsSet()
			view.StreamEnabled = m.Enabled().IsSet()
			view.FirstSnapshot = m.FirstSnapshot().IsSet()
			view.FirstExecution = m.FirstExecution().IsSet()
		}
		for _, st := range s.Streams {
			view.Streams = append(view.Streams, st.Coordinator().Status())
		}
		snap.Shards = append(snap.Shards, view)

		for _, w := range s.Workers {
			n, last := w.History().Flushes()
			snap.Flushes = append(snap.Flushes, FlushView{
				Kind:        w.Kind(),
				Symbol:      w.Symbol(),
				Flushes:     n,
				LastFlush:   last,
				IntervalsMs: w.History().Intervals(),
			})
		}
	}
	sort.Slice(snap.Flushes, func(i, j int) bool {
		if snap.Flushes[i].Kind != snap.Flushes[j].Kind {
			return snap.Flushes[i].Kind < snap.Flushes[j].Kind
		}
		return snap.Flushes[i].Symbol < snap.Flushes[j].Symbol
	})

	for _, p := range pools {
		snap.Pools = append(snap.Pools, p.Stats())
	}
	return snap
}

var (
	latencyDesc = prometheus.NewDesc(
		"feedarchive_latency_ms", "Representative one-way feed latency.", []string{"symbol"}, nil)
	queueDepthDesc = prometheus.NewDesc(
		"feedarchive_queue_depth", "Records waiting in a symbol queue.", []string{"kind", "symbol"}, nil)
	streamEnabledDesc = prometheus.NewDesc(
		"feedarchive_stream_enabled", "1 while order-book persistence is enabled.", []string{"local_ip"}, nil)
	handoffsDesc = prometheus.NewDesc(
		"feedarchive_stream_handoffs", "Committed handoffs per stream.", []string{"stream", "local_ip"}, nil)
	openHandlesDesc = prometheus.NewDesc(
		"feedarchive_open_handles", "Open segment files.", nil, nil)
	poolQueuedDesc = prometheus.NewDesc(
		"feedarchive_archive_queued", "Archive jobs waiting for a worker.", []string{"pool"}, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- latencyDesc
	ch <- queueDepthDesc
	ch <- streamEnabledDesc
	ch <- handoffsDesc
	ch <- openHandlesDesc
	ch <- poolQueuedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()
	for _, s := range snap.Shards {
		for sym, l := range s.LatenciesMs {
			ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, float64(l), sym)
		}
		ch <- prometheus.MustNewConstMetric(streamEnabledDesc, prometheus.GaugeValue, boolValue(s.StreamEnabled), s.LocalIP)
		for _, st := range s.Streams {
			ch <- prometheus.MustNewConstMetric(handoffsDesc, prometheus.CounterValue, float64(st.Handoffs), st.Stream, s.LocalIP)
		}
	}
	for kind, bySym := range snap.Queues {
		for sym, d := range bySym {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(d), kind, sym)
		}
	}
	ch <- prometheus.MustNewConstMetric(openHandlesDesc, prometheus.GaugeValue, float64(len(snap.Handles)))
	for _, p := range snap.Pools {
		ch <- prometheus.MustNewConstMetric(poolQueuedDesc, prometheus.GaugeValue, float64(p.Queued), p.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
