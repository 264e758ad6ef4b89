package writer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"feedarchive/internal/latency"
	"feedarchive/models"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recordingSubmitter) Submit(job Job) bool {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return true
}

func (r *recordingSubmitter) list() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func fastArchiver() *Archiver {
	return NewArchiver(ArchiveOptions{
		VerifyAttempts:    2,
		VerifyDelay:       time.Millisecond,
		VerifyMaxDelay:    2 * time.Millisecond,
		StragglerAttempts: 2,
		StragglerDelay:    time.Millisecond,
	}, nil, nil)
}

func newTestWorker(t *testing.T, kind string, interval int) (*Worker, *recordingSubmitter, *recordingSubmitter, *HandleMap) {
	t.Helper()
	compress := &recordingSubmitter{}
	merge := &recordingSubmitter{}
	handles := NewHandleMap()
	cfg := WorkerConfig{
		Layout:       Layout{BaseDir: t.TempDir(), Kind: kind},
		IntervalMin:  interval,
		RecordsMax:   16,
		FlushHistory: 8,
	}
	return NewWorker("btcusdc", cfg, nil, handles, compress, merge), compress, merge, handles
}

func snapshotAt(recvMs, id int64) models.Snapshot {
	return models.Snapshot{
		RecvMs:       recvMs,
		LastUpdateID: id,
		Bids:         []models.PriceLevel{{100.5, 2}},
		Asks:         []models.PriceLevel{{100.6, 1.25}},
	}
}

func TestWindowSuffix(t *testing.T) {
	cases := []struct {
		recvMs   int64
		interval int
		want     string
	}{
		{1000, 1, "1970-01-01_00-00"},
		{61000, 1, "1970-01-01_00-01"},
		{time.Date(2025, 7, 3, 13, 17, 59, 0, time.UTC).UnixMilli(), 15, "2025-07-03_13-15"},
		{time.Date(2025, 7, 3, 23, 59, 0, 0, time.UTC).UnixMilli(), 60, "2025-07-03_23-00"},
		{time.Date(2025, 7, 3, 13, 17, 0, 0, time.UTC).UnixMilli(), 1440, "2025-07-03"},
		{time.Date(2025, 7, 3, 13, 17, 0, 0, time.UTC).UnixMilli(), 5000, "2025-07-03"},
	}
	for _, c := range cases {
		if got := WindowSuffix(c.recvMs, c.interval); got != c.want {
			t.Errorf("WindowSuffix(%d, %d) = %s, want %s", c.recvMs, c.interval, got, c.want)
		}
	}
	if DateOf("2025-07-03_13-15") != "2025-07-03" || DateOf("2025-07-03") != "2025-07-03" {
		t.Fatalf("DateOf did not strip the time part")
	}
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{BaseDir: "/data", Kind: models.KindExecution}
	if got := l.SegmentPath("btcusdt", "2025-07-03_13-15"); got != "/data/temporary/BTCUSDT_execution_2025-07-03/BTCUSDT_execution_2025-07-03_13-15.jsonl" {
		t.Errorf("segment path = %s", got)
	}
	if got := l.SegmentArchivePath("btcusdt", "2025-07-03_13-15"); !strings.HasSuffix(got, "BTCUSDT_execution_2025-07-03_13-15.zip") {
		t.Errorf("segment archive path = %s", got)
	}
	if got := l.ArchivePath("btcusdt", "2025-07-03"); got != "/data/BTCUSDT_execution_2025-07-03.zip" {
		t.Errorf("archive path = %s", got)
	}
}

func TestWorkerRotationScenario(t *testing.T) {
	w, compress, merge, handles := newTestWorker(t, models.KindOrderbook, 1)
	now := time.Now()

	for i, recv := range []int64{1000, 61000, 62000} {
		if err := w.process(snapshotAt(recv, int64(i+1)), now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("process %d: %v", recv, err)
		}
	}

	jobs := compress.list()
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one compression job, got %d", len(jobs))
	}
	t0, t1 := "1970-01-01_00-00", "1970-01-01_00-01"
	if jobs[0].Suffix != t0 || jobs[0].Type != JobCompress || jobs[0].ID == "" {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	if len(merge.list()) != 0 {
		t.Fatalf("no merge expected within one day")
	}

	if err := fastArchiver().Run(context.Background(), jobs[0]); err != nil {
		t.Fatalf("compress job: %v", err)
	}

	l := w.cfg.Layout
	dir := l.DayDir("btcusdc", "1970-01-01")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read day dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"BTCUSDC_orderbook_" + t0 + ".zip", "BTCUSDC_orderbook_" + t1 + ".jsonl"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", names, want)
	}

	h, ok := handles.Get(models.KindOrderbook, "btcusdc")
	if !ok || h.Suffix != t1 || h.Lines() != 2 {
		t.Fatalf("live handle = %+v, %v", h, ok)
	}
	if err := handles.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	data, err := os.ReadFile(l.SegmentPath("btcusdc", t1))
	if err != nil {
		t.Fatalf("read open segment: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines in T1, got %d", len(lines))
	}
	if lines[0] != `{"recv_ms":61000,"net_delay_ms":0,"intv_lag_ms":0,"last_update_id":2,"bids":[[100.5,2]],"asks":[[100.6,1.25]]}` {
		t.Fatalf("unexpected line %s", lines[0])
	}
}

func TestWorkerCompressionScheduledOnce(t *testing.T) {
	w, compress, _, _ := newTestWorker(t, models.KindOrderbook, 1)
	now := time.Now()
	// T0, T1, a late T0 record, then T1 again.
	for i, recv := range []int64{1000, 61000, 2000, 62000} {
		if err := w.process(snapshotAt(recv, int64(i+1)), now); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	jobs := compress.list()
	if len(jobs) != 1 || jobs[0].Suffix != "1970-01-01_00-00" {
		t.Fatalf("compress jobs = %+v", jobs)
	}
	if w.lastSuffix != "1970-01-01_00-01" {
		t.Fatalf("window moved backwards to %s", w.lastSuffix)
	}
}

// dayLines returns every line found in the segments and segment archives of
// a day directory.
func dayLines(t *testing.T, l Layout, symbol, date string) []string {
	t.Helper()
	dir := l.DayDir(symbol, date)
	var buf bytes.Buffer
	zips, err := listWithExt(dir, archiveExt)
	if err != nil {
		t.Fatalf("list zips: %v", err)
	}
	for _, z := range zips {
		if _, err := appendZipEntries(z, &buf); err != nil {
			t.Fatalf("read %s: %v", z, err)
		}
	}
	segments, err := listWithExt(dir, segmentExt)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	for _, p := range segments {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		buf.Write(data)
	}
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestWorkerLateRecordStaysOnDisk(t *testing.T) {
	w, compress, _, handles := newTestWorker(t, models.KindOrderbook, 1)
	now := time.Now()
	for i, recv := range []int64{1000, 61000, 2000, 62000} {
		if err := w.process(snapshotAt(recv, int64(i+1)), now); err != nil {
			t.Fatalf("process %d: %v", recv, err)
		}
	}
	a := fastArchiver()
	for _, job := range compress.list() {
		if err := a.Run(context.Background(), job); err != nil {
			t.Fatalf("compress %s: %v", job.Suffix, err)
		}
	}
	if err := w.process(snapshotAt(63000, 5), now); err != nil {
		t.Fatalf("process after compression: %v", err)
	}
	if err := handles.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	lines := dayLines(t, w.cfg.Layout, "btcusdc", "1970-01-01")
	seen := make(map[string]int)
	for _, line := range lines {
		var snap struct {
			LastUpdateID int64 `json:"last_update_id"`
		}
		if err := json.Unmarshal([]byte(line), &snap); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		seen[strconv.FormatInt(snap.LastUpdateID, 10)]++
	}
	for id := 1; id <= 5; id++ {
		if seen[strconv.Itoa(id)] != 1 {
			t.Fatalf("record %d found %d times on disk (lines %v)", id, seen[strconv.Itoa(id)], lines)
		}
	}
}

func TestWorkerRecoversSegmentsOfPreviousRun(t *testing.T) {
	base := t.TempDir()
	cfg := WorkerConfig{Layout: Layout{BaseDir: base, Kind: models.KindExecution}, IntervalMin: 1, RecordsMax: 16, FlushHistory: 4}
	at := func(day, hour, min, sec int) int64 {
		return time.Date(2025, 7, day, hour, min, sec, 0, time.UTC).UnixMilli()
	}
	exec := func(recv int64) models.Execution {
		return models.Execution{RecvMs: recv, EventTime: recv - 3, Price: "1.0", Quantity: "1.0"}
	}

	// The first run writes one record and is shut down.
	handles := NewHandleMap()
	first := NewWorker("btcusdc", cfg, nil, handles, &recordingSubmitter{}, &recordingSubmitter{})
	if err := first.process(exec(at(3, 10, 0, 0)), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	handles.CloseAll()

	// The restarted worker continues the same day and then rolls over.
	compress, merge := &recordingSubmitter{}, &recordingSubmitter{}
	handles = NewHandleMap()
	second := NewWorker("btcusdc", cfg, nil, handles, compress, merge)
	for _, recv := range []int64{at(3, 10, 5, 0), at(3, 10, 6, 0), at(4, 0, 0, 10)} {
		if err := second.process(exec(recv), time.Now()); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	a := fastArchiver()
	for _, job := range compress.list() {
		if err := a.Run(context.Background(), job); err != nil {
			t.Fatalf("compress %s: %v", job.Suffix, err)
		}
	}
	merges := merge.list()
	if len(merges) != 1 || merges[0].Date != "2025-07-03" || len(merges[0].Segments) != 3 {
		t.Fatalf("merge jobs = %+v", merges)
	}
	if err := a.Run(context.Background(), merges[0]); err != nil {
		t.Fatalf("merge: %v", err)
	}
	_, data := readZipEntry(t, cfg.Layout.ArchivePath("btcusdc", "2025-07-03"))
	if n := strings.Count(string(data), "\n"); n != 3 {
		t.Fatalf("daily archive holds %d records, want 3", n)
	}
	handles.CloseAll()
}

func TestWorkerMergesPastDayLeftBehind(t *testing.T) {
	base := t.TempDir()
	cfg := WorkerConfig{Layout: Layout{BaseDir: base, Kind: models.KindExecution}, IntervalMin: 1, RecordsMax: 16, FlushHistory: 4}
	writeSegment(t, cfg.Layout, "btcusdc", "2025-07-03_23-59", "a\n")

	compress, merge := &recordingSubmitter{}, &recordingSubmitter{}
	w := NewWorker("btcusdc", cfg, nil, NewHandleMap(), compress, merge)
	recv := time.Date(2025, 7, 4, 0, 0, 1, 0, time.UTC).UnixMilli()
	if err := w.process(models.Execution{RecvMs: recv, EventTime: recv, Price: "1", Quantity: "1"}, time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	defer w.handles.CloseAll()

	if got := compress.list(); len(got) != 1 || got[0].Suffix != "2025-07-03_23-59" {
		t.Fatalf("compress jobs = %+v", got)
	}
	merges := merge.list()
	if len(merges) != 1 || merges[0].Date != "2025-07-03" || len(merges[0].Segments) != 1 {
		t.Fatalf("merge jobs = %+v", merges)
	}

	// The day is not merged a second time once the live date moves on.
	next := time.Date(2025, 7, 5, 0, 0, 1, 0, time.UTC).UnixMilli()
	if err := w.process(models.Execution{RecvMs: next, EventTime: next, Price: "1", Quantity: "1"}, time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := merge.list(); len(got) != 2 || got[1].Date != "2025-07-04" {
		t.Fatalf("merge jobs after rollover = %+v", got)
	}
}

func TestWorkerMergeOnDateChange(t *testing.T) {
	w, compress, merge, _ := newTestWorker(t, models.KindExecution, 1)
	w.cfg.PurgeOnDateChange = true
	day1 := time.Date(2025, 7, 3, 23, 59, 30, 0, time.UTC).UnixMilli()
	day2 := time.Date(2025, 7, 4, 0, 0, 10, 0, time.UTC).UnixMilli()

	for _, recv := range []int64{day1, day2, day2 + 1000} {
		rec := models.Execution{RecvMs: recv, EventTime: recv - 5, Price: "1.0", Quantity: "2.0"}
		if err := w.process(rec, time.Now()); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if got := compress.list(); len(got) != 1 || got[0].Suffix != "2025-07-03_23-59" {
		t.Fatalf("compress jobs = %+v", got)
	}
	merges := merge.list()
	if len(merges) != 1 || merges[0].Date != "2025-07-03" || !merges[0].Purge || merges[0].Type != JobMerge {
		t.Fatalf("merge jobs = %+v", merges)
	}
}

func TestWorkerGateDiscardsAndFirstWriteSignal(t *testing.T) {
	w, _, _, handles := newTestWorker(t, models.KindOrderbook, 1)
	gate := latency.NewSignal()
	first := latency.NewSignal()
	w.WithGate(gate).WithFirstWrite(first)

	if err := w.process(snapshotAt(1000, 1), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := handles.Get(models.KindOrderbook, "btcusdc"); ok || first.IsSet() {
		t.Fatalf("gated record must not be written")
	}

	gate.Set()
	if err := w.process(snapshotAt(1100, 2), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !first.IsSet() {
		t.Fatalf("first write signal not set")
	}
	handles.CloseAll()
}

func TestWorkerReopensAfterShutdownClose(t *testing.T) {
	w, _, _, handles := newTestWorker(t, models.KindOrderbook, 1)
	if err := w.process(snapshotAt(1000, 1), time.Now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	handles.CloseAll()
	if err := w.process(snapshotAt(1100, 2), time.Now()); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
	if err := w.process(snapshotAt(1200, 3), time.Now()); err != nil {
		t.Fatalf("expected reopen, got %v", err)
	}
	h, _ := handles.Get(models.KindOrderbook, "btcusdc")
	if h == nil || h.Lines() != 1 {
		t.Fatalf("reopened handle = %+v", h)
	}
	handles.CloseAll()
}

func TestWorkerRunDrainsQueueInOrder(t *testing.T) {
	queue := make(chan models.Record, 8)
	handles := NewHandleMap()
	cfg := WorkerConfig{Layout: Layout{BaseDir: t.TempDir(), Kind: models.KindOrderbook}, IntervalMin: 1, RecordsMax: 4, FlushHistory: 4}
	w := NewWorker("btcusdc", cfg, queue, handles, &recordingSubmitter{}, &recordingSubmitter{})

	for i := int64(1); i <= 5; i++ {
		queue <- snapshotAt(1000+i, i)
	}
	close(queue)
	w.Run(context.Background())
	handles.CloseAll()

	data, err := os.ReadFile(cfg.Layout.SegmentPath("btcusdc", "1970-01-01_00-00"))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, line := range lines {
		want := `"last_update_id":` + string(rune('1'+i))
		if !strings.Contains(line, want) {
			t.Fatalf("line %d out of order: %s", i, line)
		}
	}
	if got := len(w.History().Intervals()); got != 4 {
		t.Fatalf("expected 4 flush intervals, got %d", got)
	}
}

func TestFlushHistoryBounded(t *testing.T) {
	h := NewFlushHistory(3)
	base := time.Unix(0, 0)
	for i := 0; i < 6; i++ {
		h.Mark(base.Add(time.Duration(i*i) * time.Millisecond))
	}
	got := h.Intervals()
	want := []int64{5, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("intervals = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intervals = %v, want %v", got, want)
		}
	}
	if n, _ := h.Flushes(); n != 6 {
		t.Fatalf("flushes = %d", n)
	}
}

func TestHandleMapSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := NewHandleMap()
	for _, sym := range []string{"ethusdt", "btcusdt"} {
		h, err := openHandle(sym, models.KindExecution, "s", filepath.Join(dir, sym+".jsonl"))
		if err != nil {
			t.Fatalf("openHandle: %v", err)
		}
		m.set(h)
	}
	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "btcusdt" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("handles left after CloseAll")
	}
}
