package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"feedarchive/internal/metrics"
	"feedarchive/logger"
)

var (
	// ErrSourceMissing means the file or directory a job operates on is gone.
	ErrSourceMissing = errors.New("archive source missing")
	// ErrNoArchives means a day directory held no segment archives to merge.
	ErrNoArchives = errors.New("no segment archives to merge")
	// ErrPendingSegments means uncompressed segments stayed in a day directory.
	ErrPendingSegments = errors.New("segments still pending compression")
)

// JobType selects what an archive job does.
type JobType int

const (
	JobCompress JobType = iota
	JobMerge
)

func (t JobType) String() string {
	if t == JobMerge {
		return "merge"
	}
	return "compress"
}

// Job describes one archival task. Compress jobs use Suffix, merge jobs use
// Date, Purge and Segments, the window suffixes of that date whose
// compression was already submitted.
type Job struct {
	ID       string
	Type     JobType
	Layout   Layout
	Symbol   string
	Suffix   string
	Date     string
	Purge    bool
	Segments []string
}

// ArchiveOptions bounds verification and straggler waits.
type ArchiveOptions struct {
	VerifyAttempts    uint
	VerifyDelay       time.Duration
	VerifyMaxDelay    time.Duration
	StragglerAttempts uint
	StragglerDelay    time.Duration
}

func DefaultArchiveOptions() ArchiveOptions {
	return ArchiveOptions{
		VerifyAttempts:    10,
		VerifyDelay:       100 * time.Millisecond,
		VerifyMaxDelay:    2 * time.Second,
		StragglerAttempts: 30,
		StragglerDelay:    time.Second,
	}
}

// Uploader ships a finished daily archive somewhere off the host.
type Uploader interface {
	Upload(ctx context.Context, path, kind, symbol, date string) error
}

// Exporter writes a columnar copy of a consolidated day.
type Exporter interface {
	Export(mergedPath, kind, dst string) (int64, error)
}

// Archiver runs compression and merge jobs.
type Archiver struct {
	opts     ArchiveOptions
	uploader Uploader
	exporter Exporter
	log      *logger.Log
}

func NewArchiver(opts ArchiveOptions, uploader Uploader, exporter Exporter) *Archiver {
	def := DefaultArchiveOptions()
	if opts.VerifyAttempts == 0 {
		opts.VerifyAttempts = def.VerifyAttempts
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = def.VerifyDelay
	}
	if opts.VerifyMaxDelay <= 0 {
		opts.VerifyMaxDelay = def.VerifyMaxDelay
	}
	if opts.StragglerAttempts == 0 {
		opts.StragglerAttempts = def.StragglerAttempts
	}
	if opts.StragglerDelay <= 0 {
		opts.StragglerDelay = def.StragglerDelay
	}
	return &Archiver{opts: opts, uploader: uploader, exporter: exporter, log: logger.GetLogger()}
}

// Run executes job and records its outcome.
func (a *Archiver) Run(ctx context.Context, job Job) error {
	start := time.Now()
	var err error
	switch job.Type {
	case JobMerge:
		err = a.Merge(ctx, job)
	default:
		err = a.Compress(ctx, job)
	}
	metrics.EmitArchiveMetric(a.log, job.Type.String(), job.Layout.Kind, err, time.Since(start))
	logger.LogPerformanceEntry(a.jobLog(job), job.Type.String(), time.Since(start), nil)
	return err
}

func (a *Archiver) jobLog(job Job) *logger.Entry {
	fields := logger.Fields{
		"job_id": job.ID,
		"job":    job.Type.String(),
		"kind":   job.Layout.Kind,
		"symbol": job.Symbol,
	}
	if job.Suffix != "" {
		fields["suffix"] = job.Suffix
	}
	if job.Date != "" {
		fields["date"] = job.Date
	}
	return a.log.WithComponent("archive").WithFields(fields)
}

func (a *Archiver) verifyOpts(ctx context.Context, log *logger.Entry, path string, attempts uint) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(a.opts.VerifyDelay),
		retry.MaxDelay(a.opts.VerifyMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(logger.Fields{
				"attempt": n + 1,
				"path":    path,
			}).WithError(err).Debug("archive not ready, retrying")
		}),
	}
}

// Compress zips one closed segment, verifies the archive and only then
// removes the segment. A failed job leaves the segment in place.
func (a *Archiver) Compress(ctx context.Context, job Job) error {
	log := a.jobLog(job)
	return a.compressFile(ctx, log, job.Layout.SegmentPath(job.Symbol, job.Suffix))
}

func (a *Archiver) compressFile(ctx context.Context, log *logger.Entry, src string) error {
	dst := zipPathFor(src)

	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("path", src).Warn("segment to compress not found")
			return fmt.Errorf("%w: %s", ErrSourceMissing, src)
		}
		return err
	}

	err := retry.Do(func() error {
		if err := zipFile(src, dst); err != nil {
			os.Remove(dst)
			if errors.Is(err, os.ErrNotExist) {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrSourceMissing, src))
			}
			return err
		}
		if err := verifyZip(dst); err != nil {
			os.Remove(dst)
			return err
		}
		return nil
	}, a.verifyOpts(ctx, log, dst, a.opts.VerifyAttempts)...)
	if err != nil {
		log.WithError(err).WithField("path", src).Error("segment compression failed, keeping source")
		return fmt.Errorf("compress %s: %w", src, err)
	}

	if err := os.Remove(src); err != nil {
		log.WithError(err).WithField("path", src).Warn("failed to remove compressed segment")
		return fmt.Errorf("remove %s: %w", src, err)
	}
	log.WithField("archive", dst).Debug("segment compressed")
	return nil
}

// Merge consolidates every segment archive of one symbol-day into the daily
// archive. Any failure before the daily archive is verified leaves the day
// directory untouched.
func (a *Archiver) Merge(ctx context.Context, job Job) error {
	log := a.jobLog(job)
	l := job.Layout
	dayDir := l.DayDir(job.Symbol, job.Date)

	if info, err := os.Stat(dayDir); err != nil || !info.IsDir() {
		log.WithField("dir", dayDir).Error("day directory missing, nothing to merge")
		return fmt.Errorf("%w: %s", ErrSourceMissing, dayDir)
	}

	if err := a.waitForSegments(ctx, log, job); err != nil {
		log.WithError(err).WithField("dir", dayDir).Error("merge aborted, day directory kept")
		return err
	}
	if err := a.compressLeftovers(ctx, log, job); err != nil {
		log.WithError(err).WithField("dir", dayDir).Error("merge aborted, day directory kept")
		return err
	}

	zips, err := listWithExt(dayDir, archiveExt)
	if err != nil {
		log.WithError(err).Error("failed to list segment archives")
		return err
	}
	if len(zips) == 0 {
		log.WithField("dir", dayDir).Error("no segment archives to merge")
		return fmt.Errorf("%w: %s", ErrNoArchives, dayDir)
	}

	merged := l.MergedPath(job.Symbol, job.Date)
	bytes, err := a.concatArchives(ctx, log, zips, merged)
	if err != nil {
		os.Remove(merged)
		log.WithError(err).WithField("dir", dayDir).Error("merge aborted, day directory kept")
		return err
	}

	if a.exporter != nil {
		dst := l.ParquetPath(job.Symbol, job.Date)
		if rows, err := a.exporter.Export(merged, l.Kind, dst); err != nil {
			os.Remove(dst)
			log.WithError(err).Warn("parquet export failed")
		} else {
			log.WithFields(logger.Fields{"path": dst, "rows": rows}).Info("parquet export written")
		}
	}

	archive := l.ArchivePath(job.Symbol, job.Date)
	err = retry.Do(func() error {
		if err := zipFile(merged, archive); err != nil {
			os.Remove(archive)
			return err
		}
		if err := verifyZip(archive); err != nil {
			os.Remove(archive)
			return err
		}
		return nil
	}, a.verifyOpts(ctx, log, archive, a.opts.VerifyAttempts)...)
	if err != nil {
		log.WithError(err).WithField("merged", merged).Error("daily archive compression failed, keeping merged file and day directory")
		return fmt.Errorf("compress daily archive: %w", err)
	}

	if err := os.Remove(merged); err != nil {
		log.WithError(err).WithField("path", merged).Warn("failed to remove merged file")
	}

	if a.uploader != nil {
		if err := a.uploader.Upload(ctx, archive, l.Kind, job.Symbol, job.Date); err != nil {
			log.WithError(err).WithField("archive", archive).Warn("daily archive upload failed")
		}
	}

	if job.Purge {
		if err := os.RemoveAll(dayDir); err != nil {
			log.WithError(err).WithField("dir", dayDir).Warn("failed to purge day directory")
		}
	}

	log.WithFields(logger.Fields{
		"archive":  archive,
		"segments": len(zips),
		"bytes":    bytes,
		"purged":   job.Purge,
	}).Info("day merged")
	return nil
}

// waitForSegments waits until the compression submitted for every segment in
// job.Segments has removed its .jsonl.
func (a *Archiver) waitForSegments(ctx context.Context, log *logger.Entry, job Job) error {
	if len(job.Segments) == 0 {
		return nil
	}
	return retry.Do(func() error {
		pending := 0
		for _, suffix := range job.Segments {
			if _, err := os.Stat(job.Layout.SegmentPath(job.Symbol, suffix)); err == nil {
				pending++
			}
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d of %d", ErrPendingSegments, pending, len(job.Segments))
		}
		return nil
	},
		retry.Attempts(a.opts.StragglerAttempts),
		retry.Delay(a.opts.StragglerDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("attempt", n+1).WithError(err).Debug("waiting for pending segments")
		}),
	)
}

// compressLeftovers compresses segments of the day nobody scheduled, such as
// the last segment of a previous run that was closed at shutdown.
func (a *Archiver) compressLeftovers(ctx context.Context, log *logger.Entry, job Job) error {
	dayDir := job.Layout.DayDir(job.Symbol, job.Date)
	leftovers, err := listWithExt(dayDir, segmentExt)
	if err != nil {
		return err
	}
	for _, src := range leftovers {
		log.WithField("path", src).Warn("compressing unscheduled segment before merge")
		if err := a.compressFile(ctx, log, src); err != nil {
			return fmt.Errorf("%w: %v", ErrPendingSegments, err)
		}
	}
	return nil
}

func (a *Archiver) concatArchives(ctx context.Context, log *logger.Entry, zips []string, merged string) (int64, error) {
	out, err := os.OpenFile(merged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create merged file: %w", err)
	}
	bw := bufio.NewWriterSize(out, 1<<20)

	var total int64
	for _, z := range zips {
		if err := retry.Do(func() error { return verifyZip(z) }, a.verifyOpts(ctx, log, z, a.opts.VerifyAttempts)...); err != nil {
			out.Close()
			return total, fmt.Errorf("verify %s: %w", z, err)
		}
		n, err := appendZipEntries(z, bw)
		total += n
		if err != nil {
			out.Close()
			return total, err
		}
	}

	if err := bw.Flush(); err != nil {
		out.Close()
		return total, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return total, err
	}
	return total, out.Close()
}

// listWithExt returns the sorted paths of regular files in dir ending in ext.
// Window suffixes sort chronologically.
func listWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
