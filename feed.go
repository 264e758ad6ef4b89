package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedarchive/config"
	"feedarchive/internal/backoff"
	"feedarchive/internal/channel"
	"feedarchive/internal/hotswap"
	"feedarchive/internal/latency"
	"feedarchive/internal/status"
	"feedarchive/models"
	"feedarchive/reader/binance"
	"feedarchive/writer"
)

// archivePools are shared by every shard.
type archivePools struct {
	compress *writer.Pool
	merge    *writer.Pool
}

// shard is everything that runs for one local source address.
type shard struct {
	ip         string
	symbols    []string
	monitor    *latency.Monitor
	snapshots  *channel.Queues
	executions *channel.Queues
	streams    []*binance.Stream
	workers    []*writer.Worker
}

func hotswapConfig(cfg *config.Config) hotswap.Config {
	return hotswap.Config{
		Ports:         cfg.Source.Binance.Ports,
		RefreshPeriod: cfg.Hotswap.PortCyclingPeriod,
		ReadyAhead:    cfg.Hotswap.BackUpReadyAhead,
		MinReconnect:  cfg.Hotswap.MinReconnect,
	}
}

func backoffPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		Base:       cfg.Backoff.Base,
		Max:        cfg.Backoff.Max,
		ResetAfter: cfg.Backoff.ResetCycleAfter,
		ResetLevel: cfg.Backoff.ResetBackoffLevel,
		Jitter:     cfg.Backoff.Jitter,
	}
}

// streamConfig builds the connection settings of one stream of a shard.
func streamConfig(cfg *config.Config, name string, sc config.StreamConfig, ip string, symbols []string) binance.StreamConfig {
	src := cfg.Source.Binance
	return binance.StreamConfig{
		Name:         name,
		URL:          src.StreamURL,
		Kind:         sc.Kind,
		Symbols:      symbols,
		LocalIP:      ip,
		PingInterval: src.PingInterval,
		Hotswap:      hotswapConfig(cfg),
		Backoff:      backoffPolicy(cfg),
		Liveness: binance.Liveness{
			SamplesPerSymbol: cfg.Liveness.SamplesPerSymbol,
			Multiplier:       cfg.Liveness.Multiplier,
			Min:              cfg.Liveness.Min,
			Max:              cfg.Liveness.Max,
			Default:          cfg.Liveness.Default,
		},
	}
}

func streamName(kind, ip string) string {
	if ip == "" {
		return kind
	}
	return kind + "@" + ip
}

func workerConfig(cfg *config.Config, kind, dir string) writer.WorkerConfig {
	return writer.WorkerConfig{
		Layout:            writer.Layout{BaseDir: dir, Kind: kind},
		IntervalMin:       cfg.Storage.SaveIntervalMin,
		PurgeOnDateChange: cfg.Storage.PurgeOnDateChange,
		RecordsMax:        cfg.Storage.RecordsMax,
		FlushHistory:      cfg.Storage.FlushHistory,
	}
}

// buildShard wires the queues, streams and persistence workers of one shard.
// Nothing runs until start.
func buildShard(cfg *config.Config, ip string, symbols []string, handles *writer.HandleMap, pools archivePools) (*shard, error) {
	src := cfg.Source.Binance
	sh := &shard{
		ip:      ip,
		symbols: symbols,
		monitor: latency.NewMonitor(latency.Config{
			WindowSize:  cfg.Latency.DequeSize,
			SampleMin:   cfg.Latency.SampleMin,
			Threshold:   time.Duration(cfg.Latency.ThresholdMs) * time.Millisecond,
			SignalSleep: cfg.Latency.SignalSleep,
		}, symbols),
	}

	if src.Snapshot.Enabled {
		sh.snapshots = channel.NewQueues(models.KindOrderbook, symbols, cfg.Queues.SnapshotsMax)
		handler := binance.NewSnapshotHandler(src.Snapshot.Interval, sh.snapshots, sh.monitor)
		s, err := binance.NewStream(streamConfig(cfg, streamName("snapshot", ip), src.Snapshot, ip, symbols), handler)
		if err != nil {
			return nil, err
		}
		sh.streams = append(sh.streams, s)

		wc := workerConfig(cfg, models.KindOrderbook, cfg.Storage.OrderbookDir)
		for _, sym := range symbols {
			w := writer.NewWorker(sym, wc, sh.snapshots.Receive(sym), handles, pools.compress, pools.merge).
				WithGate(sh.monitor.Enabled()).
				WithFirstWrite(sh.monitor.FirstSnapshot())
			sh.workers = append(sh.workers, w)
		}
	}

	if src.Execution.Enabled {
		sh.executions = channel.NewQueues(models.KindExecution, symbols, cfg.Queues.ExecutionsMax)
		handler := binance.NewExecutionHandler(sh.executions, sh.monitor)
		s, err := binance.NewStream(streamConfig(cfg, streamName("execution", ip), src.Execution, ip, symbols), handler)
		if err != nil {
			return nil, err
		}
		sh.streams = append(sh.streams, s)

		wc := workerConfig(cfg, models.KindExecution, cfg.Storage.ExecutionDir)
		for _, sym := range symbols {
			w := writer.NewWorker(sym, wc, sh.executions.Receive(sym), handles, pools.compress, pools.merge).
				WithFirstWrite(sh.monitor.FirstExecution())
			sh.workers = append(sh.workers, w)
		}
	}

	// Snapshots cannot be stamped without latency, so the measurement stream
	// runs whenever they are persisted.
	if src.Latency.Enabled || src.Snapshot.Enabled {
		s, err := binance.NewStream(streamConfig(cfg, streamName("latency", ip), src.Latency, ip, symbols), binance.NewLatencyHandler(sh.monitor))
		if err != nil {
			return nil, err
		}
		sh.streams = append(sh.streams, s)
	}

	if len(sh.streams) == 0 {
		return nil, fmt.Errorf("shard %q: no stream enabled", ip)
	}
	return sh, nil
}

// start launches the persistence workers first so queues drain from the first
// record, then the gate, then the connections.
func (sh *shard) start(ctx context.Context, workersWG *sync.WaitGroup) {
	for _, w := range sh.workers {
		workersWG.Add(1)
		go func(w *writer.Worker) {
			defer workersWG.Done()
			w.Run(ctx)
		}(w)
	}
	workersWG.Add(1)
	go func() {
		defer workersWG.Done()
		sh.monitor.RunGate(ctx)
	}()
	for _, s := range sh.streams {
		s.Start(ctx)
	}
}

func (sh *shard) wait() {
	for _, s := range sh.streams {
		s.Wait()
	}
}

func (sh *shard) statusShard(cfg *config.Config) status.Shard {
	out := status.Shard{
		LocalIP:    sh.ip,
		Monitor:    sh.monitor,
		Snapshots:  cfg.Source.Binance.Snapshot.Enabled,
		Executions: cfg.Source.Binance.Execution.Enabled,
	}
	for _, s := range sh.streams {
		out.Streams = append(out.Streams, s)
	}
	for _, w := range sh.workers {
		out.Workers = append(out.Workers, w)
	}
	return out
}
