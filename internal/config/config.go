package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groundseg/missiond/internal/logging"
	"github.com/groundseg/missiond/internal/models"
)

// Config holds daemon configuration.
type Config struct {
	ConfigPath    string
	DataDir       string
	DBDriver      string
	DBPath        string
	DBDSN         string
	MetricsListen string
	SeedFile      string
	Log           LogConfig
	Tracing       TracingConfig
	Ledger        LedgerConfig
	Scheduler     SchedulerConfig
	Executor      ExecutorConfig
	Downlink      DownlinkConfig
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

// LedgerConfig selects the resource ledger backend.
type LedgerConfig struct {
	Backend       string
	EtcdEndpoints []string
	EtcdPrefix    string
	DialTimeout   time.Duration
}

// SchedulerConfig tunes dispatch and retry.
type SchedulerConfig struct {
	DispatchInterval  time.Duration
	MaxConcurrent     int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	DefaultMaxRetries int
	// MissionTimeout bounds each mission run. Zero disables the bound.
	MissionTimeout time.Duration
}

// DurationRange is a simulated run time of Base plus up to Jitter.
type DurationRange struct {
	Base   time.Duration `yaml:"base"`
	Jitter time.Duration `yaml:"jitter"`
}

// ExecutorConfig tunes the simulated mission handlers.
type ExecutorConfig struct {
	Seed      int64
	TimeScale float64
	Durations map[models.MissionType]DurationRange
}

// DownlinkConfig tunes the downlink manager.
type DownlinkConfig struct {
	CleanupInterval    time.Duration
	DefaultMinDuration time.Duration
	MissedRetention    time.Duration
}

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerEtcd   = "etcd"
)

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir       string            `yaml:"data_dir"`
	DBDriver      string            `yaml:"db_driver"`
	DBPath        string            `yaml:"db_path"`
	DBDSN         string            `yaml:"db_dsn"`
	MetricsListen string            `yaml:"metrics_listen"`
	SeedFile      string            `yaml:"seed_file"`
	Log           fileLogConfig     `yaml:"log"`
	Tracing       fileTracingConfig `yaml:"tracing"`
	Ledger        fileLedgerConfig  `yaml:"ledger"`
	Scheduler     fileSchedConfig   `yaml:"scheduler"`
	Executor      fileExecConfig    `yaml:"executor"`
	Downlink      fileDownConfig    `yaml:"downlink"`
}

type fileLogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource *bool  `yaml:"add_source"`
}

type fileTracingConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Exporter    string   `yaml:"exporter"`
	Endpoint    string   `yaml:"endpoint"`
	ServiceName string   `yaml:"service_name"`
	SampleRatio *float64 `yaml:"sample_ratio"`
}

type fileLedgerConfig struct {
	Backend       string        `yaml:"backend"`
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	EtcdPrefix    string        `yaml:"etcd_prefix"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type fileSchedConfig struct {
	DispatchInterval  time.Duration  `yaml:"dispatch_interval"`
	MaxConcurrent     int            `yaml:"max_concurrent"`
	RetryBackoff      *time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff   time.Duration  `yaml:"max_retry_backoff"`
	DefaultMaxRetries int            `yaml:"default_max_retries"`
	MissionTimeout    *time.Duration `yaml:"mission_timeout"`
}

type fileExecConfig struct {
	Seed      *int64                   `yaml:"seed"`
	TimeScale float64                  `yaml:"time_scale"`
	Durations map[string]DurationRange `yaml:"durations"`
}

type fileDownConfig struct {
	CleanupInterval    time.Duration  `yaml:"cleanup_interval"`
	DefaultMinDuration *time.Duration `yaml:"default_min_duration"`
	MissedRetention    *time.Duration `yaml:"missed_retention"`
}

// DefaultDurations returns the simulated run time of each mission type.
func DefaultDurations() map[models.MissionType]DurationRange {
	return map[models.MissionType]DurationRange{
		models.MissionImaging:        {Base: 120 * time.Second, Jitter: 60 * time.Second},
		models.MissionDataCollection: {Base: 60 * time.Second, Jitter: 30 * time.Second},
		models.MissionOrbitAdjust:    {Base: 90 * time.Second, Jitter: 30 * time.Second},
		models.MissionDownlink:       {Base: 60 * time.Second, Jitter: 30 * time.Second},
		models.MissionMaintenance:    {Base: 30 * time.Second, Jitter: 15 * time.Second},
		models.MissionManeuver:       {Base: 90 * time.Second, Jitter: 30 * time.Second},
		models.MissionCommunication:  {Base: 20 * time.Second, Jitter: 10 * time.Second},
	}
}

func DefaultConfig() Config {
	dataDir := "/var/lib/missiond"
	return Config{
		ConfigPath:    "/etc/missiond/config.yaml",
		DataDir:       dataDir,
		DBDriver:      "sqlite",
		DBPath:        filepath.Join(dataDir, "missiond.db"),
		MetricsListen: "",
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "missiond",
			SampleRatio: 1.0,
		},
		Ledger: LedgerConfig{
			Backend:     LedgerMemory,
			EtcdPrefix:  "/missiond/v1",
			DialTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval:  2 * time.Second,
			MaxConcurrent:     8,
			RetryBackoff:      30 * time.Second,
			MaxRetryBackoff:   10 * time.Minute,
			DefaultMaxRetries: 3,
		},
		Executor: ExecutorConfig{
			Seed:      1,
			TimeScale: 1.0,
			Durations: DefaultDurations(),
		},
		Downlink: DownlinkConfig{
			CleanupInterval:    time.Minute,
			DefaultMinDuration: 60 * time.Second,
			MissedRetention:    24 * time.Hour,
		},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, err
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "missiond.db")
	}
	if cfg.SeedFile != "" && !filepath.IsAbs(cfg.SeedFile) {
		cfg.SeedFile = filepath.Join(filepath.Dir(cfg.ConfigPath), cfg.SeedFile)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBDriver != "" {
		cfg.DBDriver = strings.ToLower(fileCfg.DBDriver)
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.DBDSN != "" {
		cfg.DBDSN = fileCfg.DBDSN
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.SeedFile != "" {
		cfg.SeedFile = fileCfg.SeedFile
	}

	if fileCfg.Log.Level != "" {
		cfg.Log.Level = fileCfg.Log.Level
	}
	if fileCfg.Log.Format != "" {
		cfg.Log.Format = fileCfg.Log.Format
	}
	if fileCfg.Log.AddSource != nil {
		cfg.Log.AddSource = *fileCfg.Log.AddSource
	}

	if fileCfg.Tracing.Enabled != nil {
		cfg.Tracing.Enabled = *fileCfg.Tracing.Enabled
	}
	if fileCfg.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = strings.ToLower(fileCfg.Tracing.Exporter)
	}
	if fileCfg.Tracing.Endpoint != "" {
		cfg.Tracing.Endpoint = fileCfg.Tracing.Endpoint
	}
	if fileCfg.Tracing.ServiceName != "" {
		cfg.Tracing.ServiceName = fileCfg.Tracing.ServiceName
	}
	if fileCfg.Tracing.SampleRatio != nil {
		cfg.Tracing.SampleRatio = *fileCfg.Tracing.SampleRatio
	}

	if fileCfg.Ledger.Backend != "" {
		cfg.Ledger.Backend = strings.ToLower(fileCfg.Ledger.Backend)
	}
	if len(fileCfg.Ledger.EtcdEndpoints) > 0 {
		cfg.Ledger.EtcdEndpoints = append([]string(nil), fileCfg.Ledger.EtcdEndpoints...)
	}
	if fileCfg.Ledger.EtcdPrefix != "" {
		cfg.Ledger.EtcdPrefix = fileCfg.Ledger.EtcdPrefix
	}
	if fileCfg.Ledger.DialTimeout > 0 {
		cfg.Ledger.DialTimeout = fileCfg.Ledger.DialTimeout
	}

	if fileCfg.Scheduler.DispatchInterval > 0 {
		cfg.Scheduler.DispatchInterval = fileCfg.Scheduler.DispatchInterval
	}
	if fileCfg.Scheduler.MaxConcurrent > 0 {
		cfg.Scheduler.MaxConcurrent = fileCfg.Scheduler.MaxConcurrent
	}
	if fileCfg.Scheduler.RetryBackoff != nil {
		cfg.Scheduler.RetryBackoff = *fileCfg.Scheduler.RetryBackoff
	}
	if fileCfg.Scheduler.MaxRetryBackoff > 0 {
		cfg.Scheduler.MaxRetryBackoff = fileCfg.Scheduler.MaxRetryBackoff
	}
	if fileCfg.Scheduler.DefaultMaxRetries > 0 {
		cfg.Scheduler.DefaultMaxRetries = fileCfg.Scheduler.DefaultMaxRetries
	}
	if fileCfg.Scheduler.MissionTimeout != nil {
		cfg.Scheduler.MissionTimeout = *fileCfg.Scheduler.MissionTimeout
	}

	if fileCfg.Executor.Seed != nil {
		cfg.Executor.Seed = *fileCfg.Executor.Seed
	}
	if fileCfg.Executor.TimeScale > 0 {
		cfg.Executor.TimeScale = fileCfg.Executor.TimeScale
	}
	for name, rng := range fileCfg.Executor.Durations {
		missionType := models.MissionType(strings.ToLower(strings.TrimSpace(name)))
		if !missionType.Valid() {
			return fmt.Errorf("executor.durations: unknown mission type %q", name)
		}
		cfg.Executor.Durations[missionType] = rng
	}

	if fileCfg.Downlink.CleanupInterval > 0 {
		cfg.Downlink.CleanupInterval = fileCfg.Downlink.CleanupInterval
	}
	if fileCfg.Downlink.DefaultMinDuration != nil {
		cfg.Downlink.DefaultMinDuration = *fileCfg.Downlink.DefaultMinDuration
	}
	if fileCfg.Downlink.MissedRetention != nil {
		cfg.Downlink.MissedRetention = *fileCfg.Downlink.MissedRetention
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("db_driver must be sqlite or postgres (got %q)", c.DBDriver)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format %q is not one of auto, json, text", c.Log.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be stdout or otlp (got %q)", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerEtcd:
		if len(c.Ledger.EtcdEndpoints) == 0 {
			return fmt.Errorf("ledger.etcd_endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be memory or etcd (got %q)", c.Ledger.Backend)
	}
	if c.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Scheduler.RetryBackoff < 0 {
		return fmt.Errorf("scheduler.retry_backoff must not be negative")
	}
	if c.Scheduler.MaxRetryBackoff < c.Scheduler.RetryBackoff {
		return fmt.Errorf("scheduler.max_retry_backoff must be at least retry_backoff")
	}
	if c.Scheduler.DefaultMaxRetries <= 0 {
		return fmt.Errorf("scheduler.default_max_retries must be positive")
	}
	if c.Scheduler.MissionTimeout < 0 {
		return fmt.Errorf("scheduler.mission_timeout must not be negative")
	}
	if c.Executor.TimeScale <= 0 {
		return fmt.Errorf("executor.time_scale must be positive")
	}
	types := make([]string, 0, len(c.Executor.Durations))
	for missionType := range c.Executor.Durations {
		types = append(types, string(missionType))
	}
	sort.Strings(types)
	for _, name := range types {
		rng := c.Executor.Durations[models.MissionType(name)]
		if rng.Base < 0 || rng.Jitter < 0 {
			return fmt.Errorf("executor.durations.%s must not be negative", name)
		}
	}
	if c.Downlink.CleanupInterval <= 0 {
		return fmt.Errorf("downlink.cleanup_interval must be positive")
	}
	if c.Downlink.DefaultMinDuration < 0 {
		return fmt.Errorf("downlink.default_min_duration must not be negative")
	}
	if c.Downlink.MissedRetention < 0 {
		return fmt.Errorf("downlink.missed_retention must not be negative")
	}
	return nil
}

// DBSource returns the driver data source for the configured database.
func (c Config) DBSource() string {
	if c.DBDriver == "postgres" {
		return c.DBDSN
	}
	return c.DBPath
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
