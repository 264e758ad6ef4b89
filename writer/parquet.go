package writer

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"feedarchive/models"
)

type snapshotRow struct {
	RecvMs       int64  `parquet:"name=recv_ms, type=INT64"`
	NetDelayMs   int64  `parquet:"name=net_delay_ms, type=INT64"`
	IntvLagMs    int64  `parquet:"name=intv_lag_ms, type=INT64"`
	LastUpdateID int64  `parquet:"name=last_update_id, type=INT64"`
	Bids         string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks         string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type executionRow struct {
	RecvMs     int64  `parquet:"name=recv_ms, type=INT64"`
	NetDelayMs int64  `parquet:"name=net_delay_ms, type=INT64"`
	EventTime  int64  `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity   string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	IsMaker    bool   `parquet:"name=is_maker, type=BOOLEAN"`
}

// ParquetExporter converts a consolidated .jsonl day into a parquet file.
type ParquetExporter struct {
	Compression parquet.CompressionCodec
	Parallelism int64
}

// NewParquetExporter accepts "snappy", "gzip", "zstd" or "none".
func NewParquetExporter(compression string) *ParquetExporter {
	codec := parquet.CompressionCodec_SNAPPY
	switch strings.ToLower(compression) {
	case "gzip":
		codec = parquet.CompressionCodec_GZIP
	case "zstd":
		codec = parquet.CompressionCodec_ZSTD
	case "none", "uncompressed":
		codec = parquet.CompressionCodec_UNCOMPRESSED
	}
	return &ParquetExporter{Compression: codec, Parallelism: 1}
}

// Export writes one row per line of mergedPath to dst and returns the row count.
func (e *ParquetExporter) Export(mergedPath, kind, dst string) (int64, error) {
	in, err := os.Open(mergedPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	var schema interface{}
	switch kind {
	case models.KindOrderbook:
		schema = new(snapshotRow)
	case models.KindExecution:
		schema = new(executionRow)
	default:
		return 0, fmt.Errorf("no parquet schema for kind %q", kind)
	}

	fw, err := local.NewLocalFileWriter(dst)
	if err != nil {
		return 0, fmt.Errorf("create parquet file: %w", err)
	}
	pw, err := pqwriter.NewParquetWriter(fw, schema, e.Parallelism)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = e.Compression

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows int64
	for sc.Scan() {
		row, err := parquetRow(kind, sc.Bytes())
		if err != nil {
			fw.Close()
			return rows, fmt.Errorf("line %d: %w", rows+1, err)
		}
		if err := pw.Write(row); err != nil {
			fw.Close()
			return rows, fmt.Errorf("write row %d: %w", rows+1, err)
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		fw.Close()
		return rows, err
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return rows, fmt.Errorf("finish parquet: %w", err)
	}
	return rows, fw.Close()
}

func parquetRow(kind string, line []byte) (interface{}, error) {
	if kind == models.KindOrderbook {
		var s models.Snapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, err
		}
		bids, _ := json.MarshalToString(s.Bids)
		asks, _ := json.MarshalToString(s.Asks)
		return snapshotRow{
			RecvMs:       s.RecvMs,
			NetDelayMs:   s.NetDelayMs,
			IntvLagMs:    s.IntvLagMs,
			LastUpdateID: s.LastUpdateID,
			Bids:         bids,
			Asks:         asks,
		}, nil
	}
	var x models.Execution
	if err := json.Unmarshal(line, &x); err != nil {
		return nil, err
	}
	return executionRow{
		RecvMs:     x.RecvMs,
		NetDelayMs: x.NetDelayMs,
		EventTime:  x.EventTime,
		Price:      x.Price,
		Quantity:   x.Quantity,
		IsMaker:    bool(x.IsMaker),
	}, nil
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary
