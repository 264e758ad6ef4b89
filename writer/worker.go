package writer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"feedarchive/internal/latency"
	"feedarchive/internal/ledger"
	"feedarchive/internal/metrics"
	"feedarchive/logger"
	"feedarchive/models"
)

// WorkerConfig holds the settings shared by the persistence workers of one
// stream kind.
type WorkerConfig struct {
	Layout            Layout
	IntervalMin       int
	PurgeOnDateChange bool
	RecordsMax        int
	FlushHistory      int
}

// Worker persists the records of one symbol stream. It is the only writer of
// its file handle and ledgers.
type Worker struct {
	symbol   string
	cfg      WorkerConfig
	queue    <-chan models.Record
	handles  *HandleMap
	compress Submitter
	merge    Submitter

	gate  *latency.Signal
	first *latency.Signal

	zipped  *ledger.Ledger
	merged  *ledger.Ledger
	history *FlushHistory

	current    *Handle
	lastSuffix string
	lastRecvMs int64
	// scheduled holds, per date, the suffixes submitted for compression and
	// not yet handed to a merge.
	scheduled map[string][]string
	recovered bool

	log *logger.Entry
}

func NewWorker(symbol string, cfg WorkerConfig, queue <-chan models.Record, handles *HandleMap, compress, merge Submitter) *Worker {
	return &Worker{
		symbol:    symbol,
		cfg:       cfg,
		queue:     queue,
		handles:   handles,
		compress:  compress,
		merge:     merge,
		zipped:    ledger.New(cfg.RecordsMax),
		merged:    ledger.New(cfg.RecordsMax),
		history:   NewFlushHistory(cfg.FlushHistory),
		scheduled: make(map[string][]string),
		log: logger.GetLogger().WithComponent(cfg.Layout.Kind).WithFields(logger.Fields{
			"symbol": symbol,
			"worker": "persistence",
		}),
	}
}

// WithGate discards records while gate is clear.
func (w *Worker) WithGate(gate *latency.Signal) *Worker {
	w.gate = gate
	return w
}

// WithFirstWrite sets signal after the first record reaches disk.
func (w *Worker) WithFirstWrite(signal *latency.Signal) *Worker {
	w.first = signal
	return w
}

func (w *Worker) Symbol() string         { return w.symbol }
func (w *Worker) Kind() string           { return w.cfg.Layout.Kind }
func (w *Worker) History() *FlushHistory { return w.history }

// Run drains the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug("persistence worker started")
	defer w.log.Debug("persistence worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.process(rec, time.Now()); err != nil {
				w.log.WithError(err).Error("failed to persist record")
			}
		}
	}
}

func (w *Worker) process(rec models.Record, now time.Time) error {
	if w.gate != nil && !w.gate.IsSet() {
		return nil
	}

	recvMs := rec.ReceivedAt()
	suffix := WindowSuffix(recvMs, w.cfg.IntervalMin)

	if w.lastRecvMs != 0 && recvMs < w.lastRecvMs {
		w.log.WithFields(logger.Fields{
			"recv_ms":      recvMs,
			"last_recv_ms": w.lastRecvMs,
			"window":       suffix,
		}).Error("timestamp order reversal")
	}
	// Windows only move forward; a late record joins the newest one.
	if suffix < w.lastSuffix {
		suffix = w.lastSuffix
	}
	date := DateOf(suffix)

	if !w.recovered {
		w.recovered = true
		w.recover(suffix)
	}

	// Rotation always submits the compression of the previous window before
	// the date check below can schedule that day's merge.
	prevSuffix := w.lastSuffix
	if w.current == nil || w.current.Suffix != suffix {
		if err := w.rotate(suffix); err != nil {
			return err
		}
	}

	if prevSuffix != "" {
		if prevDate := DateOf(prevSuffix); prevDate != date {
			w.submitMerge(prevDate, date)
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := w.current.WriteLine(line); err != nil {
		// Drop the handle so the next record reopens the segment.
		w.handles.remove(w.current)
		w.current.Close()
		w.current = nil
		return fmt.Errorf("write %s: %w", suffix, err)
	}

	if recvMs > w.lastRecvMs {
		w.lastRecvMs = recvMs
	}
	w.history.Mark(now)
	metrics.RecordWritten(w.cfg.Layout.Kind, w.symbol)
	if w.first != nil && w.first.Set() {
		w.log.Info("first record persisted")
	}
	return nil
}

// rotate closes the open segment, schedules its compression once and opens
// the segment for suffix.
func (w *Worker) rotate(suffix string) error {
	if w.current != nil {
		old := w.current
		w.handles.remove(old)
		if err := old.Close(); err != nil {
			w.log.WithError(err).WithField("path", old.Path).Warn("segment may not have been closed cleanly")
		}
		w.current = nil
	}

	if prev := w.lastSuffix; prev != "" && prev != suffix {
		w.submitCompress(prev)
	}

	path := w.cfg.Layout.SegmentPath(w.symbol, suffix)
	if err := os.MkdirAll(w.cfg.Layout.DayDir(w.symbol, DateOf(suffix)), 0o755); err != nil {
		return fmt.Errorf("create day directory: %w", err)
	}
	h, err := openHandle(w.symbol, w.cfg.Layout.Kind, suffix, path)
	if err != nil {
		return err
	}
	w.current = h
	w.lastSuffix = suffix
	w.handles.set(h)
	w.log.WithFields(logger.Fields{"suffix": suffix, "path": path}).Debug("segment opened")
	return nil
}

// submitCompress schedules the compression of suffix unless it already was.
func (w *Worker) submitCompress(suffix string) {
	if !w.zipped.Add(suffix) {
		return
	}
	date := DateOf(suffix)
	w.scheduled[date] = append(w.scheduled[date], suffix)
	w.compress.Submit(Job{
		ID:     uuid.NewString(),
		Type:   JobCompress,
		Layout: w.cfg.Layout,
		Symbol: w.symbol,
		Suffix: suffix,
	})
}

// submitMerge schedules the consolidation of date once.
func (w *Worker) submitMerge(date, currentDate string) {
	if !w.merged.Add(date) {
		return
	}
	segments := w.scheduled[date]
	delete(w.scheduled, date)
	w.merge.Submit(Job{
		ID:       uuid.NewString(),
		Type:     JobMerge,
		Layout:   w.cfg.Layout,
		Symbol:   w.symbol,
		Date:     date,
		Purge:    w.cfg.PurgeOnDateChange,
		Segments: segments,
	})
	w.log.WithFields(logger.Fields{
		"date":         date,
		"current_date": currentDate,
		"segments":     len(segments),
	}).Info("triggered merge")
}

// recover picks up what a previous run left in the temporary directory:
// segments other than the live one are compressed and past days without a
// daily archive are merged.
func (w *Worker) recover(liveSuffix string) {
	l := w.cfg.Layout
	liveDate := DateOf(liveSuffix)
	dates, err := l.DayDates(w.symbol)
	if err != nil {
		w.log.WithError(err).Warn("failed to scan leftover segments")
		return
	}
	for _, date := range dates {
		if date > liveDate {
			continue
		}
		segments, err := listWithExt(l.DayDir(w.symbol, date), segmentExt)
		if err != nil {
			w.log.WithError(err).WithField("date", date).Warn("failed to list leftover segments")
			continue
		}
		for _, path := range segments {
			if suffix, ok := l.segmentSuffix(w.symbol, path); ok && suffix != liveSuffix {
				w.log.WithField("suffix", suffix).Info("compressing leftover segment")
				w.submitCompress(suffix)
			}
		}
		if date == liveDate {
			continue
		}
		if _, err := os.Stat(l.ArchivePath(w.symbol, date)); err == nil && len(segments) == 0 {
			continue
		}
		w.submitMerge(date, liveDate)
	}
}
