package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	tempDirName   = "temporary"
	segmentExt    = ".jsonl"
	archiveExt    = ".zip"
	minutesPerDay = 1440
)

// WindowSuffix labels the save window containing recvMs. Daily intervals give
// "2006-01-02"; shorter ones give the window start as "2006-01-02_15-04" in UTC.
func WindowSuffix(recvMs int64, intervalMin int) string {
	t := time.UnixMilli(recvMs).UTC()
	if intervalMin >= minutesPerDay {
		return t.Format("2006-01-02")
	}
	if intervalMin < 1 {
		intervalMin = 1
	}
	minuteOfDay := t.Hour()*60 + t.Minute()
	minuteOfDay -= minuteOfDay % intervalMin
	start := time.Date(t.Year(), t.Month(), t.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, time.UTC)
	return start.Format("2006-01-02_15-04")
}

// DateOf returns the calendar date part of a window suffix.
func DateOf(suffix string) string {
	date, _, _ := strings.Cut(suffix, "_")
	return date
}

// Layout resolves file locations for one stream kind under a base directory.
//
//	{base}/temporary/{SYMBOL}_{kind}_{date}/{SYMBOL}_{kind}_{suffix}.jsonl|.zip
//	{base}/{SYMBOL}_{kind}_{date}.zip
type Layout struct {
	BaseDir string
	Kind    string
}

func (l Layout) stem(symbol, label string) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToUpper(symbol), l.Kind, label)
}

// DayDir is the temporary directory holding one symbol-day of segments.
func (l Layout) DayDir(symbol, date string) string {
	return filepath.Join(l.BaseDir, tempDirName, l.stem(symbol, date))
}

// SegmentPath is the open .jsonl file for a window suffix.
func (l Layout) SegmentPath(symbol, suffix string) string {
	return filepath.Join(l.DayDir(symbol, DateOf(suffix)), l.stem(symbol, suffix)+segmentExt)
}

// SegmentArchivePath is the compressed form of SegmentPath.
func (l Layout) SegmentArchivePath(symbol, suffix string) string {
	return zipPathFor(l.SegmentPath(symbol, suffix))
}

// MergedPath is the intermediate consolidated .jsonl for a day.
func (l Layout) MergedPath(symbol, date string) string {
	return filepath.Join(l.BaseDir, l.stem(symbol, date)+segmentExt)
}

// ArchivePath is the final daily archive.
func (l Layout) ArchivePath(symbol, date string) string {
	return filepath.Join(l.BaseDir, l.stem(symbol, date)+archiveExt)
}

// ParquetPath is the optional columnar copy of a consolidated day.
func (l Layout) ParquetPath(symbol, date string) string {
	return filepath.Join(l.BaseDir, l.stem(symbol, date)+".parquet")
}

// DayDates lists the dates that still have a temporary directory for symbol,
// oldest first.
func (l Layout) DayDates(symbol string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.BaseDir, tempDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := l.stem(symbol, "")
	var dates []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			dates = append(dates, strings.TrimPrefix(e.Name(), prefix))
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// segmentSuffix returns the window suffix of a segment file path of symbol.
func (l Layout) segmentSuffix(symbol, path string) (string, bool) {
	name := filepath.Base(path)
	prefix := l.stem(symbol, "")
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentExt) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), segmentExt), true
}

func zipPathFor(path string) string {
	return strings.TrimSuffix(path, segmentExt) + archiveExt
}
