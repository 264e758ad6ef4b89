package models

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestExecutionLineFormat(t *testing.T) {
	e := Execution{RecvMs: 1700000000123, NetDelayMs: 4, EventTime: 1700000000119, Price: "67000.10", Quantity: "0.002", IsMaker: true, AggTradeID: 9}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"recv_ms":1700000000123,"net_delay_ms":4,"E":1700000000119,"p":"67000.10","q":"0.002","m":"1"}`
	if string(data) != want {
		t.Fatalf("unexpected line:\n got %s\nwant %s", data, want)
	}
}

func TestSnapshotLineFormat(t *testing.T) {
	s := Snapshot{
		RecvMs:       1000,
		NetDelayMs:   3,
		IntvLagMs:    7,
		LastUpdateID: 42,
		Bids:         []PriceLevel{{100.5, 1.25}},
		Asks:         []PriceLevel{{101, 2}},
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"recv_ms":1000,"net_delay_ms":3,"intv_lag_ms":7,"last_update_id":42,"bids":[[100.5,1.25]],"asks":[[101,2]]}`
	if string(data) != want {
		t.Fatalf("unexpected line:\n got %s\nwant %s", data, want)
	}
}

func TestMakerFlagDecode(t *testing.T) {
	var e Execution
	if err := json.Unmarshal([]byte(`{"m":"0"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.IsMaker {
		t.Fatalf("expected taker flag")
	}
	if err := json.Unmarshal([]byte(`{"m":"1"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !e.IsMaker {
		t.Fatalf("expected maker flag")
	}
}

func TestRecordKinds(t *testing.T) {
	var r Record = Snapshot{RecvMs: 5}
	if r.Kind() != KindOrderbook || r.ReceivedAt() != 5 {
		t.Fatalf("unexpected snapshot record: %s %d", r.Kind(), r.ReceivedAt())
	}
	r = Execution{RecvMs: 6}
	if r.Kind() != KindExecution || r.ReceivedAt() != 6 {
		t.Fatalf("unexpected execution record: %s %d", r.Kind(), r.ReceivedAt())
	}
}
