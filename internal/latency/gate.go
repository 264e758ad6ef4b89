package latency

import (
	"context"
	"time"

	"feedarchive/logger"
)

// RunGate propagates the valid signal into the stream-enabled signal every
// SignalSleep until ctx is done. It never blocks a producer or consumer.
func (m *Monitor) RunGate(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SignalSleep)
	defer ticker.Stop()
	for {
		m.evaluateGate()
		select {
		case <-ctx.Done():
			m.log.Info("latency gate stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) evaluateGate() {
	if m.valid.IsSet() {
		if m.enabled.Set() {
			m.log.WithFields(logger.Fields{"latencies_ms": m.Latencies()}).Info("latency normalized, stream enabled")
		}
		return
	}
	if !m.allHaveLatency() {
		if !m.warmupLogged {
			m.warmupLogged = true
			m.log.WithFields(logger.Fields{"samples": m.SampleCounts()}).Info("latency warming up")
		}
		m.enabled.Clear()
		return
	}
	if m.enabled.Clear() {
		m.log.WithFields(logger.Fields{"latencies_ms": m.Latencies()}).Warn("latency degraded, stream disabled")
	}
}
