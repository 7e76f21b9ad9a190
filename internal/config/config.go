// Package config loads and validates the sync daemon's configuration from
// environment variables and an optional YAML file, via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DeploymentProfile selects which durable backend the storage factory
// wires up.
type DeploymentProfile string

const (
	// ProfileLite runs against an embedded SQLite file: a single-node,
	// offline-capable host.
	ProfileLite DeploymentProfile = "lite"
	// ProfileStandard runs against an external Postgres: an
	// always-connected host, e.g. a multi-writer aggregation service.
	ProfileStandard DeploymentProfile = "standard"
)

func (p DeploymentProfile) Valid() bool {
	return p == ProfileLite || p == ProfileStandard
}

// StorageConfig configures the durable store. Which field is required
// depends on Config.Profile; Load checks that after struct-level
// validation since go-playground/validator's required_if can't reach a
// sibling struct's field.
type StorageConfig struct {
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// QueueConfig tunes the operation queue's retry and capacity behavior.
type QueueConfig struct {
	MaxQueueSize   int           `mapstructure:"max_queue_size" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// SyncConfig tunes the sync loop and names the remote RPC endpoint.
type SyncConfig struct {
	MinSyncInterval time.Duration `mapstructure:"min_sync_interval"`
	PeriodicDrain   time.Duration `mapstructure:"periodic_drain"`
	RemoteBaseURL   string        `mapstructure:"remote_base_url" validate:"required,url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	SaveDebounce    time.Duration `mapstructure:"save_debounce"`
}

// QuotaConfig sets the storage-pressure thresholds the governor watches.
type QuotaConfig struct {
	WarnThresholdBytes     int64         `mapstructure:"warn_threshold_bytes"`
	CriticalThresholdBytes int64         `mapstructure:"critical_threshold_bytes"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
}

// NetworkConfig configures the connectivity sensor.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" validate:"required,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	DebounceDelay time.Duration `mapstructure:"debounce_delay"`
}

// CacheConfig configures the optional Redis L2 cache for backlog entries.
// Addr is required only when Enabled; checked in Load, see StorageConfig.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the admin HTTP/WS surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig toggles the Prometheus surface.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Config is the top-level, viper-loaded configuration.
type Config struct {
	Profile DeploymentProfile `mapstructure:"profile" validate:"required,oneof=lite standard"`
	Storage StorageConfig     `mapstructure:"storage" validate:"required"`
	Queue   QueueConfig       `mapstructure:"queue"`
	Sync    SyncConfig        `mapstructure:"sync" validate:"required"`
	Quota   QuotaConfig       `mapstructure:"quota"`
	Network NetworkConfig     `mapstructure:"network" validate:"required"`
	Cache   CacheConfig       `mapstructure:"cache"`
	Server  ServerConfig      `mapstructure:"server" validate:"required"`
	Log     LogConfig         `mapstructure:"log"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
}

// IsLiteProfile reports whether this config selects the embedded SQLite
// backend.
func (c *Config) IsLiteProfile() bool { return c.Profile == ProfileLite }

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", "lite")
	v.SetDefault("storage.sqlite_path", "./data/goatsync.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("queue.max_queue_size", 100)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.retry_base_delay", time.Second)
	v.SetDefault("queue.retry_max_delay", 30*time.Second)

	// Registered with empty defaults so AutomaticEnv can surface them
	// through Unmarshal; viper only resolves env vars for known keys.
	v.SetDefault("sync.remote_base_url", "")
	v.SetDefault("sync.min_sync_interval", 5*time.Second)
	v.SetDefault("sync.periodic_drain", 30*time.Second)
	v.SetDefault("sync.request_timeout", 10*time.Second)
	v.SetDefault("sync.save_debounce", 500*time.Millisecond)

	v.SetDefault("quota.warn_threshold_bytes", int64(50*1024*1024))
	v.SetDefault("quota.critical_threshold_bytes", int64(100*1024*1024))
	v.SetDefault("quota.check_interval", time.Minute)

	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", 15*time.Second)
	v.SetDefault("network.probe_timeout", 3*time.Second)
	v.SetDefault("network.debounce_delay", time.Second)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from (in priority order) GOATSYNC_-prefixed
// environment variables, an optional config file, and the built-in
// defaults above, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	switch cfg.Profile {
	case ProfileLite:
		if cfg.Storage.SQLitePath == "" {
			return nil, fmt.Errorf("config: storage.sqlite_path is required for profile %q", ProfileLite)
		}
	case ProfileStandard:
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("config: storage.postgres_dsn is required for profile %q", ProfileStandard)
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return nil, fmt.Errorf("config: cache.addr is required when cache.enabled is true")
	}

	return &cfg, nil
}
