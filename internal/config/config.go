// Package config loads and validates jobtracker configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	// Backend is "postgres" or "memory". The memory backend cannot coordinate
	// separate processes and exists for local runs and tests.
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// WorkerConfig tunes the per-source worker loop.
type WorkerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	Replicas            int `mapstructure:"replicas"`
}

// SweepConfig tunes stale run reclamation.
type SweepConfig struct {
	// Enabled runs the sweep inside the serve command.
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	TimeoutSeconds  int  `mapstructure:"timeout_seconds"`
}

// ScheduleConfig lists cron entries that enqueue scheduled runs.
type ScheduleConfig struct {
	Entries []ScheduleEntry `mapstructure:"entries"`
}

// ScheduleEntry enqueues a run for Source on a five-field cron Spec.
type ScheduleEntry struct {
	Source string `mapstructure:"source"`
	Spec   string `mapstructure:"spec"`
}

// CollectorsConfig holds shared settings for every collector implementation.
type CollectorsConfig struct {
	UserAgent             string          `mapstructure:"user_agent"`
	FetchTimeoutSeconds   int             `mapstructure:"fetch_timeout_seconds"`
	RequestTimeoutSeconds int             `mapstructure:"request_timeout_seconds"`
	MaxRetries            int             `mapstructure:"max_retries"`
	BackoffInitialMs      int             `mapstructure:"backoff_initial_ms"`
	RespectRobots         bool            `mapstructure:"respect_robots"`
	RateLimit             RateLimitConfig `mapstructure:"rate_limit"`
	Headless              HeadlessConfig  `mapstructure:"headless"`
}

// RateLimitConfig sets the per-host token bucket.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless browser fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ArchiveConfig selects where raw run payloads are written.
type ArchiveConfig struct {
	// Backend is "none", "memory", "local" or "gcs".
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run-finished notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("JOBTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("worker.poll_interval_seconds", 10)
	v.SetDefault("worker.replicas", 1)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.timeout_seconds", 1800)
	v.SetDefault("collectors.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("collectors.fetch_timeout_seconds", 600)
	v.SetDefault("collectors.request_timeout_seconds", 30)
	v.SetDefault("collectors.max_retries", 3)
	v.SetDefault("collectors.backoff_initial_ms", 5000)
	v.SetDefault("collectors.respect_robots", true)
	v.SetDefault("collectors.rate_limit.rps", 0.5)
	v.SetDefault("collectors.rate_limit.burst", 1)
	v.SetDefault("collectors.headless.enabled", false)
	v.SetDefault("collectors.headless.max_parallel", 1)
	v.SetDefault("collectors.headless.nav_timeout_seconds", 45)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "jobtracker")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Backend {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("database.backend must be postgres or memory, got %q", c.Database.Backend)
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("worker.poll_interval_seconds must be > 0")
	}
	if c.Worker.Replicas <= 0 {
		return fmt.Errorf("worker.replicas must be > 0")
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be > 0")
	}
	if c.Sweep.TimeoutSeconds <= 0 {
		return fmt.Errorf("sweep.timeout_seconds must be > 0")
	}
	if c.Collectors.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("collectors.fetch_timeout_seconds must be > 0")
	}
	if c.Collectors.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("collectors.request_timeout_seconds must be > 0")
	}
	if c.Collectors.MaxRetries < 0 {
		return fmt.Errorf("collectors.max_retries must be >= 0")
	}
	if c.Collectors.Headless.Enabled && c.Collectors.Headless.MaxParallel <= 0 {
		return fmt.Errorf("collectors.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Sweep.TimeoutSeconds <= c.Collectors.FetchTimeoutSeconds {
		return fmt.Errorf("sweep.timeout_seconds must exceed collectors.fetch_timeout_seconds")
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local archive backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	for i, entry := range c.Schedule.Entries {
		if entry.Source == "" || entry.Spec == "" {
			return fmt.Errorf("schedule.entries[%d] requires source and spec", i)
		}
	}
	return nil
}

// PollInterval is the worker's idle sleep between empty claims.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// FetchTimeout bounds one collector invocation.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Collectors.FetchTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one outbound HTTP request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Collectors.RequestTimeoutSeconds) * time.Second
}

// SweepInterval is the time between reclaim passes.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// StaleAfter is how long a run may stay running before it is reclaimed.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Sweep.TimeoutSeconds) * time.Second
}
