package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"feedarchive/internal/metrics"
	"feedarchive/logger"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestMetricStoreLatestPerSeries(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Component: "queues", Name: "queue_depth", Value: 1, Fields: logger.Fields{"symbol": "btcusdc"}})
	store.handle(metrics.Metric{Component: "queues", Name: "queue_depth", Value: 2, Fields: logger.Fields{"symbol": "ethusdc"}})
	store.handle(metrics.Metric{Component: "queues", Name: "queue_depth", Value: 3, Fields: logger.Fields{"symbol": "btcusdc"}})

	latest := store.latestValues()
	if len(latest) != 2 {
		t.Fatalf("series = %d, want 2", len(latest))
	}
	if latest[0].Value != 3 || latest[1].Value != 2 {
		t.Fatalf("latest = %#v", latest)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "archive", "symbol": "btcusdc"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	if snapshot[0].Component != "archive" || snapshot[0].Fields["symbol"] != "btcusdc" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
	if _, ok := snapshot[0].Fields["component"]; ok {
		t.Fatalf("component must not be repeated in fields")
	}
}

func TestLogStoreLevels(t *testing.T) {
	store := newLogStoreAt(5, logrus.WarnLevel)
	for _, lvl := range store.Levels() {
		if lvl > logrus.WarnLevel {
			t.Fatalf("level %s captured", lvl)
		}
	}
	if len(newLogStore(5).Levels()) != 4 {
		t.Fatalf("default store should capture panic..info")
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[1].Fields["index"] != 3 {
		t.Fatalf("expected the 2 newest entries, got %#v", snapshot)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
