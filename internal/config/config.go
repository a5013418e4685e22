// Package config loads and validates aggregator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Snapshot backends.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	Snapshots    SnapshotsConfig    `mapstructure:"snapshots"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// FetchTimeoutSeconds bounds POST /v1/fetch. Zero derives the budget
	// from the fetch and browser settings.
	FetchTimeoutSeconds   int `mapstructure:"fetch_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig configures the resilient client and its per-host politeness.
type FetchConfig struct {
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
	MaxRetries       int      `mapstructure:"max_retries"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	UserAgents       []string `mapstructure:"user_agents"`
	RateLimitRPS     float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int      `mapstructure:"rate_limit_burst"`
	// HostRPS overrides RateLimitRPS per host.
	HostRPS map[string]float64 `mapstructure:"host_rps"`
}

// BrowserConfig configures the chromedp layer.
type BrowserConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	Headless                bool    `mapstructure:"headless"`
	WindowWidth             int     `mapstructure:"window_width"`
	WindowHeight            int     `mapstructure:"window_height"`
	NavTimeoutSeconds       int     `mapstructure:"nav_timeout_seconds"`
	ChallengeTimeoutSeconds int     `mapstructure:"challenge_timeout_seconds"`
	MaxParallel             int     `mapstructure:"max_parallel"`
	DomainQPS               float64 `mapstructure:"domain_qps"`
	ExecPath                string  `mapstructure:"exec_path"`
	NoSandbox               bool    `mapstructure:"no_sandbox"`
}

// StrategyConfig lists domain patterns per fetch strategy.
type StrategyConfig struct {
	DirectDomains    []string `mapstructure:"direct_domains"`
	ResilientDomains []string `mapstructure:"resilient_domains"`
	BrowserDomains   []string `mapstructure:"browser_domains"`
}

// OrchestratorConfig governs crawl runs.
type OrchestratorConfig struct {
	PauseMs              int      `mapstructure:"pause_ms"`
	SourceTimeoutSeconds int      `mapstructure:"source_timeout_seconds"`
	Chapters             bool     `mapstructure:"chapters"`
	Query                string   `mapstructure:"query"`
	Include              []int    `mapstructure:"include"`
	Exclude              []int    `mapstructure:"exclude"`
}

// SourcesConfig points at the YAML source catalog.
type SourcesConfig struct {
	File string `mapstructure:"file"`
}

// StorageConfig selects the catalog backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// SnapshotsConfig selects where challenge pages are saved.
type SnapshotsConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds the run-summary topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize      int  `mapstructure:"buffer_size"`
	BatchMaxEvents  int  `mapstructure:"batch_max_events"`
	BatchMaxWaitMs  int  `mapstructure:"batch_max_wait_ms"`
	SinkTimeoutMs   int  `mapstructure:"sink_timeout_ms"`
	LogEnabled      bool `mapstructure:"log_enabled"`
	MetricsEnabled  bool `mapstructure:"metrics_enabled"`
	RunStoreEnabled bool `mapstructure:"run_store_enabled"`
}

// TracingConfig toggles OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features and the rotating file.
type LoggingConfig struct {
	Development bool              `mapstructure:"development"`
	File        LoggingFileConfig `mapstructure:"file"`
}

// LoggingFileConfig feeds lumberjack.
type LoggingFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Snapshots.Backend = strings.ToLower(strings.TrimSpace(cfg.Snapshots.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.fetch_timeout_seconds", 0)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.max_retries", 4)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 10000)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.rate_limit_rps", 0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.challenge_timeout_seconds", 30)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.domain_qps", 0.5)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("orchestrator.pause_ms", 300)
	v.SetDefault("orchestrator.source_timeout_seconds", 300)
	v.SetDefault("orchestrator.chapters", true)
	v.SetDefault("orchestrator.query", "")
	v.SetDefault("sources.file", "configs/sources.yaml")
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "data/catalog.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("snapshots.backend", SnapshotsNone)
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.local_dir", "data/snapshots")
	v.SetDefault("snapshots.prefix", "challenges")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_max_events", 100)
	v.SetDefault("progress.batch_max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.run_store_enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "manga-aggregator")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.compress", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Server.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("server.fetch_timeout_seconds must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.BackoffInitialMs < 0 || c.Fetch.BackoffInitialMs > c.Fetch.BackoffMaxMs {
		return fmt.Errorf("fetch.backoff_initial_ms must be between 0 and fetch.backoff_max_ms")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	if c.Orchestrator.PauseMs < 0 {
		return fmt.Errorf("orchestrator.pause_ms must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres, sqlite", c.Storage.Backend)
	}
	switch c.Snapshots.Backend {
	case SnapshotsNone, SnapshotsMemory:
	case SnapshotsLocal:
		if c.Snapshots.LocalDir == "" {
			return fmt.Errorf("snapshots.local_dir must be set for local snapshots")
		}
	case SnapshotsGCS:
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set for gcs snapshots")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not one of none, memory, local, gcs", c.Snapshots.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

// RequestTimeout bounds API requests other than manual fetches.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ManualFetchTimeout bounds POST /v1/fetch. Unless set explicitly it covers
// every resilient attempt with maximal backoff, then one browser escalation.
func (c Config) ManualFetchTimeout() time.Duration {
	if c.Server.FetchTimeoutSeconds > 0 {
		return time.Duration(c.Server.FetchTimeoutSeconds) * time.Second
	}
	retries := time.Duration(c.Fetch.MaxRetries)
	budget := c.FetchTimeout()*(retries+1) + c.BackoffMax()*retries
	if c.Browser.Enabled {
		budget += c.NavTimeout() + c.ChallengeTimeout()
	}
	return budget + 10*time.Second
}

// FetchTimeout bounds one fetch attempt.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// NavTimeout bounds one browser navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// ChallengeTimeout bounds waiting for an edge challenge to clear.
func (c Config) ChallengeTimeout() time.Duration {
	return time.Duration(c.Browser.ChallengeTimeoutSeconds) * time.Second
}

// Pause separates consecutive sources within a run.
func (c Config) Pause() time.Duration {
	return time.Duration(c.Orchestrator.PauseMs) * time.Millisecond
}

// SourceTimeout bounds one source's work within a run.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Orchestrator.SourceTimeoutSeconds) * time.Second
}

// ConnLifetime caps pooled Postgres connection age.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// BatchMaxWait flushes a partial progress batch.
func (c Config) BatchMaxWait() time.Duration {
	return time.Duration(c.Progress.BatchMaxWaitMs) * time.Millisecond
}

// SinkTimeout bounds one progress sink call.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}
