package status

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"feedarchive/internal/channel"
	"feedarchive/internal/hotswap"
	"feedarchive/internal/latency"
	"feedarchive/models"
	"feedarchive/writer"
)

type fakeStream struct {
	name  string
	coord *hotswap.Coordinator
}

func (f fakeStream) Name() string                      { return f.name }
func (f fakeStream) Coordinator() *hotswap.Coordinator { return f.coord }

type fakeWorker struct {
	symbol, kind string
	history      *writer.FlushHistory
}

func (f fakeWorker) Symbol() string                { return f.symbol }
func (f fakeWorker) Kind() string                  { return f.kind }
func (f fakeWorker) History() *writer.FlushHistory { return f.history }

func newTestCollector(t *testing.T) (*Collector, *latency.Monitor) {
	t.Helper()
	symbols := []string{"btcusdc", "ethusdc"}
	ob := channel.NewQueues(models.KindOrderbook, symbols, 8)
	ex := channel.NewQueues(models.KindExecution, symbols, 8)
	c := NewCollector(channel.NewSet(ob, ex), writer.NewHandleMap())

	monitor := latency.NewMonitor(latency.Config{WindowSize: 2, SampleMin: 1, Threshold: time.Second}, symbols)
	history := writer.NewFlushHistory(4)
	base := time.Unix(100, 0)
	history.Mark(base)
	history.Mark(base.Add(250 * time.Millisecond))

	c.AddShard(Shard{
		LocalIP:    "10.0.0.1",
		Monitor:    monitor,
		Streams:    []Stream{fakeStream{"snapshot", hotswap.NewCoordinator("snapshot", hotswap.Config{Ports: []string{"9443", "443"}}, nil)}},
		Workers:    []FlushSource{fakeWorker{"ethusdc", models.KindOrderbook, history}, fakeWorker{"btcusdc", models.KindOrderbook, writer.NewFlushHistory(4)}},
		Snapshots:  true,
		Executions: true,
	})
	return c, monitor
}

func TestReadyRequiresFirstWrites(t *testing.T) {
	if NewCollector(nil, nil).Ready() {
		t.Fatalf("collector without shards must not be ready")
	}

	c, monitor := newTestCollector(t)
	if c.Ready() {
		t.Fatalf("ready before any write")
	}
	monitor.FirstSnapshot().Set()
	if c.Ready() {
		t.Fatalf("ready without first execution")
	}
	monitor.FirstExecution().Set()
	if !c.Ready() {
		t.Fatalf("not ready after both first writes")
	}
}

func TestSnapshotAggregatesComponents(t *testing.T) {
	c, monitor := newTestCollector(t)
	if err := monitor.Observe("btcusdc", 1, 1000, 1012); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Shards) != 1 {
		t.Fatalf("shards = %d", len(snap.Shards))
	}
	shard := snap.Shards[0]
	if shard.LatenciesMs["btcusdc"] != 12 {
		t.Fatalf("latencies = %v", shard.LatenciesMs)
	}
	if shard.LatencyValid {
		t.Fatalf("latency must not be valid while ethusdc has no samples")
	}
	if len(shard.Streams) != 1 || !shard.Streams[0].Hotswap {
		t.Fatalf("streams = %+v", shard.Streams)
	}
	if snap.Capacity[models.KindOrderbook] != 8 || len(snap.Queues[models.KindExecution]) != 2 {
		t.Fatalf("queues = %v capacity = %v", snap.Queues, snap.Capacity)
	}
	if len(snap.Flushes) != 2 || snap.Flushes[0].Symbol != "btcusdc" {
		t.Fatalf("flushes not sorted: %+v", snap.Flushes)
	}
	eth := snap.Flushes[1]
	if eth.Flushes != 2 || len(eth.IntervalsMs) != 1 || eth.IntervalsMs[0] != 250 {
		t.Fatalf("eth flushes = %+v", eth)
	}
}

func TestCollectorExportsGauges(t *testing.T) {
	c, monitor := newTestCollector(t)
	if err := monitor.Observe("btcusdc", 1, 1000, 1010); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if n := testutil.CollectAndCount(c, "feedarchive_queue_depth"); n != 4 {
		t.Fatalf("queue depth series = %d, want 4", n)
	}
	if n := testutil.CollectAndCount(c, "feedarchive_latency_ms"); n != 1 {
		t.Fatalf("latency series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(c, "feedarchive_open_handles"); n != 1 {
		t.Fatalf("open handle series = %d, want 1", n)
	}
}
