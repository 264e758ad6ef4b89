package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"feedarchive/logger"
)

// ReportFields supplies feed state appended to each runtime report.
type ReportFields func() logger.Fields

// StartReport logs host and feed statistics every interval until ctx is done.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, dataDir string, extra ReportFields) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if dataDir == "" {
		dataDir = "/"
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, dataDir, extra)
			}
		}
	}()
}

func logReport(log *logger.Log, dataDir string, extra ReportFields) {
	fields := logger.Fields{
		"goroutines": runtime.NumGoroutine(),
		"log_counts": logger.ComponentCounts(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
		EmitMetric(log, "report", "cpu_percent", pct[0], "gauge", logger.Fields{"unit": "percent"})
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		mb := int64(vm.Used) / 1024 / 1024
		fields["memory_mb"] = mb
		EmitMetric(log, "report", "memory_mb", mb, "gauge", logger.Fields{"unit": "megabytes"})
	}
	if du, err := disk.Usage(dataDir); err == nil {
		fields["disk_used_percent"] = du.UsedPercent
		EmitMetric(log, "report", "disk_used_percent", du.UsedPercent, "gauge", logger.Fields{"unit": "percent"})
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		fields["net_bytes_recv"] = int64(io[0].BytesRecv)
		fields["net_bytes_sent"] = int64(io[0].BytesSent)
	}
	if extra != nil {
		for k, v := range extra() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
