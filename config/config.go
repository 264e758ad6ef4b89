package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Symbols   []string        `yaml:"symbols"`
	Source    SourceConfig    `yaml:"source"`
	Hotswap   HotswapConfig   `yaml:"hotswap"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Latency   LatencyConfig   `yaml:"latency"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Queues    QueuesConfig    `yaml:"queues"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

// BinanceSourceConfig describes the combined-stream endpoint. StreamURL may
// contain a {port} placeholder that is filled from Ports on every attempt.
type BinanceSourceConfig struct {
	StreamURL    string        `yaml:"stream_url"`
	Ports        []string      `yaml:"ports"`
	RESTURL      string        `yaml:"rest_url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	SkipChecks   bool          `yaml:"skip_startup_checks"`
	Snapshot     StreamConfig  `yaml:"snapshot"`
	Execution    StreamConfig  `yaml:"execution"`
	Latency      StreamConfig  `yaml:"latency"`
}

// StreamConfig selects one subscription kind. Interval is the nominal push
// period, used for snapshot lag and duplicate suppression.
type StreamConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Kind     string        `yaml:"kind"`
	Interval time.Duration `yaml:"interval"`
}

type HotswapConfig struct {
	PortCyclingPeriod time.Duration `yaml:"port_cycling_period"`
	BackUpReadyAhead  time.Duration `yaml:"back_up_ready_ahead"`
	MinReconnect      time.Duration `yaml:"min_reconnect"`
}

type LivenessConfig struct {
	SamplesPerSymbol int           `yaml:"samples_per_symbol"`
	Multiplier       float64       `yaml:"multiplier"`
	Min              time.Duration `yaml:"min"`
	Max              time.Duration `yaml:"max"`
	Default          time.Duration `yaml:"default"`
}

type LatencyConfig struct {
	DequeSize   int           `yaml:"deque_size"`
	SampleMin   int           `yaml:"sample_min"`
	ThresholdMs int           `yaml:"threshold_ms"`
	SignalSleep time.Duration `yaml:"signal_sleep"`
}

type BackoffConfig struct {
	Base              time.Duration `yaml:"base"`
	Max               time.Duration `yaml:"max"`
	ResetCycleAfter   int           `yaml:"reset_cycle_after"`
	ResetBackoffLevel int           `yaml:"reset_backoff_level"`
	Jitter            time.Duration `yaml:"jitter"`
}

type QueuesConfig struct {
	SnapshotsMax  int `yaml:"snapshots_max"`
	ExecutionsMax int `yaml:"executions_max"`
}

type StorageConfig struct {
	OrderbookDir      string        `yaml:"orderbook_dir"`
	ExecutionDir      string        `yaml:"execution_dir"`
	SaveIntervalMin   int           `yaml:"save_interval_min"`
	PurgeOnDateChange bool          `yaml:"purge_on_date_change"`
	RecordsMax        int           `yaml:"records_max"`
	FlushHistory      int           `yaml:"flush_history"`
	S3                S3Config      `yaml:"s3"`
	Parquet           ParquetConfig `yaml:"parquet"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

// ArchiveConfig sizes the compression and merge pools and bounds the zip
// verification retries.
type ArchiveConfig struct {
	CompressWorkers   int           `yaml:"compress_workers"`
	MergeWorkers      int           `yaml:"merge_workers"`
	QueueSize         int           `yaml:"queue_size"`
	VerifyAttempts    uint          `yaml:"verify_attempts"`
	VerifyDelay       time.Duration `yaml:"verify_delay"`
	StragglerAttempts uint          `yaml:"straggler_attempts"`
	StragglerDelay    time.Duration `yaml:"straggler_delay"`
}

type MetricsConfig struct {
	CloudWatch         CloudWatchConfig `yaml:"cloudwatch"`
	QueueDepthInterval time.Duration    `yaml:"queue_depth_interval"`
	ReportInterval     time.Duration    `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// DashboardConfig configures the HTTP status server. DiskWarnPercent is the
// archive disk usage above which the resource sampler warns.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	DiskWarnPercent float64       `yaml:"disk_warn_percent"`
}

// Default returns the configuration the feed runs with when a key is absent.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "feedarchive", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Source: SourceConfig{Binance: BinanceSourceConfig{
			StreamURL:    "wss://stream.binance.com:{port}/stream",
			Ports:        []string{"9443", "443"},
			RESTURL:      "https://api.binance.com",
			MaxClockSkew: time.Second,
			Snapshot:     StreamConfig{Enabled: true, Kind: "depth20@100ms", Interval: 100 * time.Millisecond},
			Execution:    StreamConfig{Enabled: true, Kind: "aggTrade"},
			Latency:      StreamConfig{Enabled: true, Kind: "depth@100ms", Interval: 100 * time.Millisecond},
		}},
		Hotswap: HotswapConfig{
			PortCyclingPeriod: 6 * time.Hour,
			BackUpReadyAhead:  30 * time.Second,
			MinReconnect:      time.Second,
		},
		Liveness: LivenessConfig{
			SamplesPerSymbol: 100,
			Multiplier:       8,
			Min:              5 * time.Second,
			Max:              10 * time.Second,
			Default:          10 * time.Second,
		},
		Latency: LatencyConfig{
			DequeSize:   10,
			SampleMin:   10,
			ThresholdMs: 500,
			SignalSleep: 100 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			Base:              time.Second,
			Max:               60 * time.Second,
			ResetCycleAfter:   7,
			ResetBackoffLevel: 3,
			Jitter:            time.Second,
		},
		Queues: QueuesConfig{SnapshotsMax: 1000, ExecutionsMax: 5000},
		Storage: StorageConfig{
			OrderbookDir:    "data/orderbook",
			ExecutionDir:    "data/execution",
			SaveIntervalMin: 1,
			RecordsMax:      10000,
			FlushHistory:    100,
			Parquet:         ParquetConfig{Compression: "snappy"},
		},
		Archive: ArchiveConfig{
			CompressWorkers:   4,
			MergeWorkers:      1,
			QueueSize:         1024,
			VerifyAttempts:    10,
			VerifyDelay:       100 * time.Millisecond,
			StragglerAttempts: 30,
			StragglerDelay:    time.Second,
		},
		Metrics: MetricsConfig{
			CloudWatch:         CloudWatchConfig{Namespace: "FeedArchive", Dashboard: "FeedArchive"},
			QueueDepthInterval: 10 * time.Second,
			ReportInterval:     30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Enabled:         true,
			Address:         ":8080",
			LogHistory:      500,
			MetricsHistory:  500,
			SampleInterval:  5 * time.Second,
			DiskWarnPercent: 90,
		},
	}
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.Symbols = NormalizeSymbols(config.Symbols)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		cfg.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

// NormalizeSymbols lowercases, trims and de-duplicates symbols keeping the
// first occurrence order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}

	src := cfg.Source.Binance
	if src.StreamURL == "" {
		return fmt.Errorf("source.binance.stream_url is required")
	}
	if strings.Contains(src.StreamURL, "{port}") && len(src.Ports) == 0 {
		return fmt.Errorf("source.binance.ports is required when stream_url contains {port}")
	}
	if !src.Snapshot.Enabled && !src.Execution.Enabled {
		return fmt.Errorf("at least one of source.binance.snapshot or source.binance.execution must be enabled")
	}
	if src.Snapshot.Enabled && !src.Latency.Enabled {
		return fmt.Errorf("source.binance.latency must be enabled when snapshots are enabled")
	}
	for name, s := range map[string]StreamConfig{"snapshot": src.Snapshot, "execution": src.Execution, "latency": src.Latency} {
		if s.Enabled && s.Kind == "" {
			return fmt.Errorf("source.binance.%s.kind is required", name)
		}
	}
	if src.Snapshot.Enabled && src.Snapshot.Interval <= 0 {
		return fmt.Errorf("source.binance.snapshot.interval must be greater than 0")
	}

	if cfg.Hotswap.PortCyclingPeriod < 0 {
		return fmt.Errorf("hotswap.port_cycling_period must not be negative")
	}
	if cfg.Hotswap.PortCyclingPeriod > 0 && cfg.Hotswap.BackUpReadyAhead >= cfg.Hotswap.PortCyclingPeriod {
		return fmt.Errorf("hotswap.back_up_ready_ahead must be shorter than hotswap.port_cycling_period")
	}

	if cfg.Liveness.Min <= 0 || cfg.Liveness.Max < cfg.Liveness.Min {
		return fmt.Errorf("liveness.min must be positive and not above liveness.max")
	}
	if cfg.Liveness.Multiplier <= 0 {
		return fmt.Errorf("liveness.multiplier must be greater than 0")
	}

	if cfg.Latency.DequeSize <= 0 {
		return fmt.Errorf("latency.deque_size must be greater than 0")
	}
	if cfg.Latency.SampleMin <= 0 || cfg.Latency.SampleMin > cfg.Latency.DequeSize {
		return fmt.Errorf("latency.sample_min must be between 1 and latency.deque_size")
	}
	if cfg.Latency.ThresholdMs <= 0 {
		return fmt.Errorf("latency.threshold_ms must be greater than 0")
	}

	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max < cfg.Backoff.Base {
		return fmt.Errorf("backoff.base must be positive and not above backoff.max")
	}
	if cfg.Backoff.ResetCycleAfter > 0 && cfg.Backoff.ResetBackoffLevel >= cfg.Backoff.ResetCycleAfter {
		return fmt.Errorf("backoff.reset_backoff_level must be below backoff.reset_cycle_after")
	}

	if cfg.Queues.SnapshotsMax <= 0 || cfg.Queues.ExecutionsMax <= 0 {
		return fmt.Errorf("queues.snapshots_max and queues.executions_max must be greater than 0")
	}

	if cfg.Storage.OrderbookDir == "" || cfg.Storage.ExecutionDir == "" {
		return fmt.Errorf("storage.orderbook_dir and storage.execution_dir are required")
	}
	if cfg.Storage.SaveIntervalMin < 1 || cfg.Storage.SaveIntervalMin > 1440 {
		return fmt.Errorf("storage.save_interval_min must be between 1 and 1440")
	}
	if cfg.Storage.RecordsMax <= 0 {
		return fmt.Errorf("storage.records_max must be greater than 0")
	}

	if cfg.Archive.CompressWorkers <= 0 || cfg.Archive.MergeWorkers <= 0 {
		return fmt.Errorf("archive.compress_workers and archive.merge_workers must be greater than 0")
	}
	if cfg.Archive.VerifyAttempts == 0 {
		return fmt.Errorf("archive.verify_attempts must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
