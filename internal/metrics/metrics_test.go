package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"feedarchive/logger"
)

type fakeCloudWatch struct {
	mu         sync.Mutex
	data       []cwtypes.MetricDatum
	dashboards []string
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	f.data = append(f.data, in.MetricData...)
	f.mu.Unlock()
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakeCloudWatch) PutDashboard(_ context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.mu.Lock()
	f.dashboards = append(f.dashboards, *in.DashboardBody)
	f.mu.Unlock()
	return &cloudwatch.PutDashboardOutput{}, nil
}

func withFakeCloudWatch(t *testing.T) (*fakeCloudWatch, *time.Time) {
	t.Helper()
	fake := &fakeCloudWatch{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	prevState := cwState.Load()
	prevNow := timeNow
	cwState.Store(&cloudWatchState{client: fake, namespace: "Test", dashboardName: "Test", region: "eu-west-1"})
	timeNow = func() time.Time { return now }
	resetMetricPublishTimes()

	t.Cleanup(func() {
		cwState.Store(prevState)
		timeNow = prevNow
		resetMetricPublishTimes()
	})
	return fake, &now
}

func TestMetricHandlerReceivesEmittedMetrics(t *testing.T) {
	var mu sync.Mutex
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	EmitMetric(logger.GetLogger(), "queues", "queue_depth", 3, "gauge", logger.Fields{"symbol": "btcusdt"})
	EmitMetric(logger.GetLogger(), "queues", "", 1, "", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(got))
	}
	if got[0].Name != "queue_depth" || got[0].Type != "gauge" || got[0].Fields["symbol"] != "btcusdt" {
		t.Fatalf("unexpected metric %+v", got[0])
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	count := 0
	id := RegisterMetricHandler(func(Metric) { count++ })
	UnregisterMetricHandler(id)
	EmitMetric(nil, "test", "ignored", 1, "counter", nil)
	if count != 0 {
		t.Fatalf("handler called after unregister")
	}
	if RegisterMetricHandler(nil) != 0 {
		t.Fatalf("nil handler should not register")
	}
}

func TestPublishThrottledPerKey(t *testing.T) {
	fake, now := withFakeCloudWatch(t)

	EmitMetric(nil, "archive", "archive_job", 1, "counter", logger.Fields{"job": "compress"})
	EmitMetric(nil, "archive", "archive_job", 1, "counter", logger.Fields{"job": "compress"})
	EmitMetric(nil, "archive", "archive_job", 1, "counter", logger.Fields{"job": "merge"})

	fake.mu.Lock()
	if len(fake.data) != 2 {
		fake.mu.Unlock()
		t.Fatalf("expected 2 datums within the interval, got %d", len(fake.data))
	}
	fake.mu.Unlock()

	*now = now.Add(cloudWatchPublishInterval)
	EmitMetric(nil, "archive", "archive_job", 1, "counter", logger.Fields{"job": "compress"})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.data) != 3 {
		t.Fatalf("expected publish after interval, got %d datums", len(fake.data))
	}
}

func TestNonNumericValuesAreNotPublished(t *testing.T) {
	fake, _ := withFakeCloudWatch(t)
	EmitMetric(nil, "status", "state", "active", "gauge", nil)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.data) != 0 {
		t.Fatalf("string values must not reach CloudWatch")
	}
}

func TestUnitFieldSelectsStandardUnit(t *testing.T) {
	fake, _ := withFakeCloudWatch(t)
	EmitMetric(nil, "report", "cpu_percent", 12.5, "gauge", logger.Fields{"unit": "percent"})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.data) != 1 {
		t.Fatalf("expected one datum, got %d", len(fake.data))
	}
	d := fake.data[0]
	if d.Unit != cwtypes.StandardUnitPercent {
		t.Fatalf("unit = %s", d.Unit)
	}
	for _, dim := range d.Dimensions {
		if *dim.Name == "unit" {
			t.Fatalf("unit must not be a dimension")
		}
	}
}

func TestCreateDashboardSubstitutesPlaceholders(t *testing.T) {
	fake, _ := withFakeCloudWatch(t)
	if err := CreateDashboardFromTemplate(context.Background()); err != nil {
		t.Fatalf("CreateDashboardFromTemplate: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.dashboards) != 1 {
		t.Fatalf("expected one dashboard")
	}
	body := fake.dashboards[0]
	if contains(body, "${NAMESPACE}") || contains(body, "${REGION}") {
		t.Fatalf("placeholders left in dashboard body")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestFeedCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("orderbook", "ethusdt"))
	EmitBackpressureMetric(logger.GetLogger(), "orderbook", "ethusdt")
	after := testutil.ToFloat64(backpressureTotal.WithLabelValues("orderbook", "ethusdt"))
	if after != before+1 {
		t.Fatalf("backpressure counter %v -> %v", before, after)
	}

	failed := testutil.ToFloat64(archiveJobsTotal.WithLabelValues("merge", "execution", "failed"))
	EmitArchiveMetric(logger.GetLogger(), "merge", "execution", errors.New("boom"), time.Second)
	if got := testutil.ToFloat64(archiveJobsTotal.WithLabelValues("merge", "execution", "failed")); got != failed+1 {
		t.Fatalf("failed archive counter = %v", got)
	}
}

type staticDepths struct{}

func (staticDepths) Depths() map[string]map[string]int {
	return map[string]map[string]int{"orderbook": {"btcusdt": 4}}
}

func (staticDepths) Capacities() map[string]int { return map[string]int{"orderbook": 16} }

func TestEmitQueueDepths(t *testing.T) {
	var mu sync.Mutex
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) {
		if m.Name != "queue_depth" {
			return
		}
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	emitQueueDepths(logger.GetLogger(), staticDepths{})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Value != 4 || got[0].Fields["capacity"] != 16 {
		t.Fatalf("unexpected depth metrics %+v", got)
	}
}
