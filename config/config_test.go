package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	return writeTemp(t, "cfg-*.yml", `app:
  name: "TestApp"
  version: "1.0"
symbols: ["BTCUSDT", "ethusdt", " btcusdt "]
storage:
  orderbook_dir: /tmp/ob
  execution_dir: /tmp/ex
  save_interval_min: 5
hotswap:
  port_cycling_period: 2h
  back_up_ready_ahead: 10s
source:
  binance:
    ports: ["443", "9443"]
`)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("FEED_SYMBOLS", "")
	cfg, err := LoadConfig(writeTempConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if got := strings.Join(cfg.Symbols, ","); got != "btcusdt,ethusdt" {
		t.Errorf("symbols = %s", got)
	}
	if cfg.Storage.SaveIntervalMin != 5 {
		t.Errorf("save interval = %d", cfg.Storage.SaveIntervalMin)
	}
	if cfg.Hotswap.PortCyclingPeriod != 2*time.Hour || cfg.Hotswap.BackUpReadyAhead != 10*time.Second {
		t.Errorf("hotswap = %+v", cfg.Hotswap)
	}
	if len(cfg.Source.Binance.Ports) != 2 || cfg.Source.Binance.Ports[0] != "443" {
		t.Errorf("ports = %v", cfg.Source.Binance.Ports)
	}
	// untouched keys keep their defaults
	if cfg.Latency.DequeSize != 10 || cfg.Queues.SnapshotsMax != 1000 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Latency, cfg.Queues)
	}
	if cfg.Source.Binance.Snapshot.Kind != "depth20@100ms" {
		t.Errorf("snapshot kind = %s", cfg.Source.Binance.Snapshot.Kind)
	}
}

func TestLoadConfigSymbolsFromEnv(t *testing.T) {
	t.Setenv("FEED_SYMBOLS", "SOLUSDT,solusdt,XRPUSDT")
	cfg, err := LoadConfig(writeTempConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := strings.Join(cfg.Symbols, ","); got != "solusdt,xrpusdt" {
		t.Fatalf("symbols = %s", got)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }, "symbols"},
		{"interval too large", func(c *Config) { c.Storage.SaveIntervalMin = 1441 }, "save_interval_min"},
		{"interval zero", func(c *Config) { c.Storage.SaveIntervalMin = 0 }, "save_interval_min"},
		{"ready ahead", func(c *Config) { c.Hotswap.BackUpReadyAhead = c.Hotswap.PortCyclingPeriod }, "back_up_ready_ahead"},
		{"sample min", func(c *Config) { c.Latency.SampleMin = c.Latency.DequeSize + 1 }, "sample_min"},
		{"backoff", func(c *Config) { c.Backoff.Max = c.Backoff.Base / 2 }, "backoff.base"},
		{"reset level", func(c *Config) { c.Backoff.ResetBackoffLevel = c.Backoff.ResetCycleAfter }, "reset_backoff_level"},
		{"latency stream", func(c *Config) { c.Source.Binance.Latency.Enabled = false }, "latency"},
		{"s3 bucket", func(c *Config) {
			c.Storage.S3 = S3Config{Enabled: true, Bucket: "Bad_Bucket", Region: "eu-west-1"}
		}, "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Symbols = []string{"btcusdt"}
			tc.mutate(&cfg)
			err := validateConfig(&cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validateConfig error = %v, want mention of %q", err, tc.want)
			}
		})
	}

	cfg := Default()
	cfg.Symbols = []string{"btcusdt"}
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestS3EnvOverrides(t *testing.T) {
	t.Setenv("AWS_REGION", "ap-northeast-1")
	t.Setenv("S3_BUCKET", " feed-archive ")
	cfg := Default()
	cfg.Storage.S3.Enabled = true
	applyEnvOverrides(&cfg)
	if cfg.Storage.S3.Region != "ap-northeast-1" || cfg.Storage.S3.Bucket != "feed-archive" {
		t.Fatalf("s3 overrides = %+v", cfg.Storage.S3)
	}
}

func TestLoadIPShards(t *testing.T) {
	path := writeTemp(t, "shards-*.yml", `shards:
- ip: "1.1.1.1"
  symbols: ["BTCUSDT", "ethusdt"]
- ip: "2.2.2.2"
  symbols: ["SOLUSDT"]
`)
	shards, err := LoadIPShards(path)
	if err != nil {
		t.Fatalf("LoadIPShards failed: %v", err)
	}
	if len(shards.Shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(shards.Shards))
	}
	if shards.Shards[0].IP != "1.1.1.1" || shards.Shards[0].Symbols[0] != "btcusdt" {
		t.Errorf("unexpected shard: %+v", shards.Shards[0])
	}
}

func TestResolveShards(t *testing.T) {
	shards := &IPShards{Shards: []IPShard{
		{IP: "1.1.1.1", Symbols: []string{"btcusdt", "dogeusdt"}},
	}}

	got, err := ResolveShards([]string{"btcusdt", "ethusdt"}, shards, EnvironmentDevelopment)
	if err != nil {
		t.Fatalf("ResolveShards: %v", err)
	}
	if len(got) != 2 || got[0].IP != "1.1.1.1" || len(got[0].Symbols) != 1 || got[1].IP != "" || got[1].Symbols[0] != "ethusdt" {
		t.Fatalf("unexpected shards %+v", got)
	}

	if _, err := ResolveShards([]string{"btcusdt", "ethusdt"}, shards, EnvironmentProduction); err == nil {
		t.Fatalf("expected production to reject unassigned symbols")
	}

	dup := &IPShards{Shards: []IPShard{
		{IP: "1.1.1.1", Symbols: []string{"btcusdt"}},
		{IP: "2.2.2.2", Symbols: []string{"btcusdt"}},
	}}
	if _, err := ResolveShards([]string{"btcusdt"}, dup, EnvironmentDevelopment); err == nil {
		t.Fatalf("expected duplicate assignment error")
	}

	none, err := ResolveShards([]string{"btcusdt"}, nil, EnvironmentProduction)
	if err != nil || len(none) != 1 || none[0].IP != "" {
		t.Fatalf("nil shards = %+v, %v", none, err)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if AppEnvironment() != EnvironmentProduction {
		t.Fatalf("prod alias = %s", AppEnvironment())
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("production should be production-like")
	}
	t.Setenv("APP_ENV", "")
	if AppEnvironment() != EnvironmentDevelopment {
		t.Fatalf("default env = %s", AppEnvironment())
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	prodPath := writeTemp(t, "prod-*.yml", "symbols: [btcusdc]\n")
	paths := map[string]string{
		EnvironmentProduction: prodPath,
		EnvironmentStaging:    "/does/not/exist.yml",
	}

	t.Setenv("APP_ENV", "production")
	if got := resolveEnvSpecificPath("", defaultConfigPath, paths); got != prodPath {
		t.Fatalf("production default path = %s", got)
	}
	if got := resolveEnvSpecificPath("custom.yml", defaultConfigPath, paths); got != "custom.yml" {
		t.Fatalf("explicit path replaced: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := resolveEnvSpecificPath(defaultConfigPath, defaultConfigPath, paths); got != defaultConfigPath {
		t.Fatalf("missing staging file should keep the default, got %s", got)
	}
	if envConfigPaths[EnvironmentProduction] == "" || envConfigPaths[EnvironmentStaging] == "" {
		t.Fatalf("environment config files not registered: %v", envConfigPaths)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
