package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feedarchive/config"
	"feedarchive/internal/channel"
	"feedarchive/internal/dashboard"
	"feedarchive/internal/metrics"
	"feedarchive/internal/status"
	"feedarchive/logger"
	"feedarchive/reader/binance"
	"feedarchive/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
		"symbols": len(cfg.Symbols),
	}).Info("starting feedarchive")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shardCfg, err := loadShards(*shardPath)
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}
	shards, err := config.ResolveShards(cfg.Symbols, shardCfg, env)
	if err != nil {
		log.WithError(err).Error("failed to assign symbols to shards")
		os.Exit(1)
	}

	if !cfg.Source.Binance.SkipChecks {
		checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := binance.NewExchange(cfg.Source.Binance.RESTURL, cfg.Source.Binance.MaxClockSkew).Check(checkCtx, cfg.Symbols)
		checkCancel()
		if err != nil {
			log.WithError(err).Error("exchange checks failed")
			os.Exit(1)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create archiver")
		os.Exit(1)
	}
	// Both pools outlive the feed context so shutdown can drain them.
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	compressPool, err := writer.NewPool(poolCtx, "compress", cfg.Archive.CompressWorkers, cfg.Archive.QueueSize, archiver.Run)
	if err != nil {
		log.WithError(err).Error("failed to start compression pool")
		os.Exit(1)
	}
	mergePool, err := writer.NewPool(poolCtx, "merge", cfg.Archive.MergeWorkers, cfg.Archive.QueueSize, archiver.Run)
	if err != nil {
		log.WithError(err).Error("failed to start merge pool")
		os.Exit(1)
	}
	pools := archivePools{compress: compressPool, merge: mergePool}

	handles := writer.NewHandleMap()
	running := make([]*shard, 0, len(shards))
	var queues []*channel.Queues
	for _, s := range shards {
		sh, err := buildShard(cfg, s.IP, s.Symbols, handles, pools)
		if err != nil {
			log.WithError(err).WithField("local_ip", s.IP).Error("failed to build shard")
			os.Exit(1)
		}
		running = append(running, sh)
		if sh.snapshots != nil {
			queues = append(queues, sh.snapshots)
		}
		if sh.executions != nil {
			queues = append(queues, sh.executions)
		}
	}

	queueSet := channel.NewSet(queues...)
	collector := status.NewCollector(queueSet, handles)
	for _, sh := range running {
		collector.AddShard(sh.statusShard(cfg))
	}
	collector.AddPool(compressPool)
	collector.AddPool(mergePool)
	if err := metrics.Registry().Register(collector); err != nil {
		log.WithError(err).Warn("failed to register status collector")
	}

	metrics.StartQueueDepthMetrics(ctx, queueSet, cfg.Metrics.QueueDepthInterval)
	if log.ReportEnabled() {
		metrics.StartReport(ctx, log, cfg.Metrics.ReportInterval, cfg.Storage.OrderbookDir, reportFields(collector))
	}

	var serverWG sync.WaitGroup
	server, err := dashboard.NewServer(cfg.Dashboard, cfg.Storage.OrderbookDir, collector, log)
	if err != nil {
		log.WithError(err).Error("failed to create status server")
		os.Exit(1)
	}
	if server != nil {
		serverWG.Add(1)
		go func() {
			defer serverWG.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("status server stopped")
			}
		}()
	}

	var workersWG sync.WaitGroup
	for _, sh := range running {
		sh.start(ctx, &workersWG)
		log.WithFields(logger.Fields{
			"local_ip": sh.ip,
			"symbols":  sh.symbols,
			"streams":  len(sh.streams),
			"workers":  len(sh.workers),
		}).Info("shard started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutdown signal received")

	cancel()

	done := make(chan struct{})
	go func() {
		for _, sh := range running {
			sh.wait()
		}
		workersWG.Wait()
		if err := handles.CloseAll(); err != nil {
			log.WithError(err).Warn("failed to close open segments")
		}
		// Compression first so merges queued behind it still find their zips.
		compressPool.Stop()
		mergePool.Stop()
		serverWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout exceeded, forcing exit")
	}
}

// loadShards reads the IP shard file. A missing file means one shard on the
// default route.
func loadShards(path string) (*config.IPShards, error) {
	if path == "" {
		return nil, nil
	}
	shards, err := config.LoadIPShards(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.GetLogger().WithField("path", path).Info("no shard file, dialing from the default address")
		return nil, nil
	}
	return shards, err
}

func newArchiver(ctx context.Context, cfg *config.Config) (*writer.Archiver, error) {
	var uploader writer.Uploader
	if cfg.Storage.S3.Enabled {
		u, err := writer.NewS3Uploader(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		uploader = u
	}
	var exporter writer.Exporter
	if cfg.Storage.Parquet.Enabled {
		exporter = writer.NewParquetExporter(cfg.Storage.Parquet.Compression)
	}
	opts := writer.ArchiveOptions{
		VerifyAttempts:    cfg.Archive.VerifyAttempts,
		VerifyDelay:       cfg.Archive.VerifyDelay,
		StragglerAttempts: cfg.Archive.StragglerAttempts,
		StragglerDelay:    cfg.Archive.StragglerDelay,
	}
	return writer.NewArchiver(opts, uploader, exporter), nil
}

func reportFields(c *status.Collector) metrics.ReportFields {
	return func() logger.Fields {
		snap := c.Snapshot()
		var handoffs int64
		for _, sh := range snap.Shards {
			for _, s := range sh.Streams {
				handoffs += s.Handoffs
			}
		}
		return logger.Fields{
			"ready":        c.Ready(),
			"open_handles": len(snap.Handles),
			"handoffs":     handoffs,
		}
	}
}
