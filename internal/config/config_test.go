package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundseg/missiond/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if len(cfg.Executor.Durations) != len(models.MissionTypes) {
		t.Fatalf("expected a duration range for every mission type, got %d", len(cfg.Executor.Durations))
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/missiond
metrics_listen: 127.0.0.1:9464
seed_file: seed.yaml
log:
  level: debug
  format: json
  add_source: true
tracing:
  enabled: true
  exporter: OTLP
  endpoint: localhost:4317
  sample_ratio: 0.25
ledger:
  backend: etcd
  etcd_endpoints: ["127.0.0.1:2379"]
  dial_timeout: 2s
scheduler:
  dispatch_interval: 500ms
  max_concurrent: 2
  retry_backoff: 0s
  max_retry_backoff: 1m
  default_max_retries: 5
  mission_timeout: 10m
executor:
  seed: 42
  time_scale: 0.001
  durations:
    imaging: {base: 1s, jitter: 500ms}
downlink:
  cleanup_interval: 30s
  default_min_duration: 2m
  missed_retention: 0s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/missiond", cfg.DataDir)
	assert.Equal(t, filepath.Join("/tmp/missiond", "missiond.db"), cfg.DBPath)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsListen)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "seed.yaml"), cfg.SeedFile)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json", AddSource: true}, cfg.Log)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, LedgerEtcd, cfg.Ledger.Backend)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Ledger.EtcdEndpoints)
	assert.Equal(t, "/missiond/v1", cfg.Ledger.EtcdPrefix)
	assert.Equal(t, 2*time.Second, cfg.Ledger.DialTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.DispatchInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, time.Duration(0), cfg.Scheduler.RetryBackoff)
	assert.Equal(t, time.Minute, cfg.Scheduler.MaxRetryBackoff)
	assert.Equal(t, 5, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.MissionTimeout)
	assert.Equal(t, int64(42), cfg.Executor.Seed)
	assert.Equal(t, 0.001, cfg.Executor.TimeScale)
	assert.Equal(t, DurationRange{Base: time.Second, Jitter: 500 * time.Millisecond}, cfg.Executor.Durations[models.MissionImaging])
	assert.Equal(t, DefaultDurations()[models.MissionDownlink], cfg.Executor.Durations[models.MissionDownlink])
	assert.Equal(t, 30*time.Second, cfg.Downlink.CleanupInterval)
	assert.Equal(t, 2*time.Minute, cfg.Downlink.DefaultMinDuration)
	assert.Equal(t, time.Duration(0), cfg.Downlink.MissedRetention)
}

func TestLoadRejectsUnknownDurationType(t *testing.T) {
	path := writeConfig(t, "executor:\n  durations:\n    teleport: {base: 1s}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), `unknown mission type "teleport"`) {
		t.Fatalf("expected unknown mission type error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "scheduler: [\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, "db_driver"},
		{"postgres without dsn", func(c *Config) { c.DBDriver = "postgres" }, "db_dsn"},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"wildcard metrics", func(c *Config) { c.MetricsListen = "0.0.0.0:9464" }, "localhost-only"},
		{"metrics without port", func(c *Config) { c.MetricsListen = "localhost" }, "host:port"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"tracing exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
		{"ledger backend", func(c *Config) { c.Ledger.Backend = "redis" }, "ledger.backend"},
		{"etcd endpoints", func(c *Config) { c.Ledger.Backend = LedgerEtcd }, "etcd_endpoints"},
		{"dispatch interval", func(c *Config) { c.Scheduler.DispatchInterval = 0 }, "dispatch_interval"},
		{"max concurrent", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }, "max_concurrent"},
		{"backoff ceiling", func(c *Config) { c.Scheduler.MaxRetryBackoff = time.Second }, "max_retry_backoff"},
		{"max retries", func(c *Config) { c.Scheduler.DefaultMaxRetries = 0 }, "default_max_retries"},
		{"time scale", func(c *Config) { c.Executor.TimeScale = 0 }, "time_scale"},
		{"negative jitter", func(c *Config) {
			c.Executor.Durations[models.MissionImaging] = DurationRange{Base: time.Second, Jitter: -time.Second}
		}, "executor.durations.imaging"},
		{"cleanup interval", func(c *Config) { c.Downlink.CleanupInterval = 0 }, "cleanup_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %s error, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateAcceptsLoopbackMetrics(t *testing.T) {
	for _, listen := range []string{"127.0.0.1:9464", "localhost:9464", "[::1]:9464"} {
		cfg := DefaultConfig()
		cfg.MetricsListen = listen
		if err := cfg.Validate(); err != nil {
			t.Fatalf("expected %s to validate, got %v", listen, err)
		}
	}
}

func TestDBSource(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.DBPath, cfg.DBSource())
	cfg.DBDriver = "postgres"
	cfg.DBDSN = "postgres://missiond@localhost/missiond"
	assert.Equal(t, cfg.DBDSN, cfg.DBSource())
}
