package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"feedarchive/logger"
)

// resourceSnapshot is one host sample. Disk figures are for the archive volume.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskPath    string    `json:"disk_path"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskFree    uint64    `json:"disk_free"`
	DiskPct     float64   `json:"disk_percent"`
}

// resourceSampler samples the host on a fixed interval and warns once each
// time the archive volume fills past warnPct.
type resourceSampler struct {
	mu       sync.RWMutex
	samples  ring[resourceSnapshot]
	interval time.Duration
	diskPath string
	warnPct  float64
	warned   bool

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, diskPath string, warnPct float64, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "."
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		warnPct:  warnPct,
		log:      log.WithComponent("resources").WithField("disk_path", diskPath),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.list()
}

func (s *resourceSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		// cpu.Percent blocks for one interval and paces the loop.
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample cpu usage")
			if !s.pause(ctx) {
				return
			}
			continue
		}
		snap, err := s.sample(ctx, cpuSamples)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample host")
			if !s.pause(ctx) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.samples.push(snap)
		s.mu.Unlock()
		s.checkDisk(snap)
	}
}

func (s *resourceSampler) sample(ctx context.Context, cpuSamples []float64) (resourceSnapshot, error) {
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskPath:    s.diskPath,
		DiskUsed:    diskStats.Used,
		DiskFree:    diskStats.Free,
		DiskPct:     diskStats.UsedPercent,
	}
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}
	return snap, nil
}

func (s *resourceSampler) checkDisk(snap resourceSnapshot) {
	if s.warnPct <= 0 {
		return
	}
	switch {
	case snap.DiskPct >= s.warnPct && !s.warned:
		s.warned = true
		s.log.WithFields(logger.Fields{
			"disk_percent": snap.DiskPct,
			"disk_free":    snap.DiskFree,
		}).Warn("archive volume almost full")
	case snap.DiskPct < s.warnPct && s.warned:
		s.warned = false
		s.log.WithField("disk_percent", snap.DiskPct).Info("archive volume usage back to normal")
	}
}

func (s *resourceSampler) pause(ctx context.Context) bool {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
