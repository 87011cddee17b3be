// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retention RetentionConfig `mapstructure:"retention"`
	Bus       BusConfig       `mapstructure:"bus"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the tick loop and per-source cadence floor.
type SchedulerConfig struct {
	TickPeriodMs   int `mapstructure:"tick_period_ms"`
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// RateFloorMs is the global minimum effective poll interval.
	RateFloorMs int `mapstructure:"rate_floor_ms"`
}

// TickPeriod converts the tick period to a duration.
func (c SchedulerConfig) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMs) * time.Millisecond
}

// RateFloor converts the rate floor to a duration.
func (c SchedulerConfig) RateFloor() time.Duration {
	return time.Duration(c.RateFloorMs) * time.Millisecond
}

// RetentionConfig bounds how long rows live and how often they are swept.
type RetentionConfig struct {
	WindowMinutes      int `mapstructure:"window_minutes"`
	SweepPeriodSeconds int `mapstructure:"sweep_period_seconds"`
}

// Window converts the retention window to a duration.
func (c RetentionConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// SweepPeriod converts the sweep period to a duration.
func (c RetentionConfig) SweepPeriod() time.Duration {
	return time.Duration(c.SweepPeriodSeconds) * time.Second
}

// BusConfig sizes subscriber buffers.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// ExtractConfig configures both extractor implementations.
type ExtractConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	HeadlessMaxParallel   int    `mapstructure:"headless_max_parallel"`
	HeadlessNavTimeoutSec int    `mapstructure:"headless_nav_timeout_seconds"`
	StaticTimeoutSec      int    `mapstructure:"static_timeout_seconds"`
}

// DBConfig selects and configures the store provider.
type DBConfig struct {
	Provider     string `mapstructure:"provider"` // postgres | memory
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// BlobConfig selects and configures the snapshot store provider.
type BlobConfig struct {
	Provider       string `mapstructure:"provider"` // gcs | local | noop
	GCSBucket      string `mapstructure:"gcs_bucket"`
	LocalDir       string `mapstructure:"local_dir"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
	ContentType    string `mapstructure:"content_type"`
}

// PubSubConfig selects and configures the downstream publisher.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"` // pubsub | memory | noop
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Any invalid value aborts
// startup with an explicit message, nothing is silently skipped.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOURCEWATCH")
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
	v.SetDefault("scheduler.tick_period_ms", 1000)
	v.SetDefault("scheduler.max_concurrency", 3)
	v.SetDefault("scheduler.rate_floor_ms", 20000)
	v.SetDefault("retention.window_minutes", 240)
	v.SetDefault("retention.sweep_period_seconds", 60)
	v.SetDefault("bus.buffer_size", 64)
	v.SetDefault("extract.user_agent", "sourcewatch/1.0 (+https://github.com/JakeFAU/sourcewatch)")
	v.SetDefault("extract.headless_max_parallel", 3)
	v.SetDefault("extract.headless_nav_timeout_seconds", 45)
	v.SetDefault("extract.static_timeout_seconds", 15)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("blob.provider", "noop")
	v.SetDefault("blob.snapshot_prefix", "snapshots")
	v.SetDefault("blob.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickPeriodMs <= 0 {
		return fmt.Errorf("scheduler.tick_period_ms must be > 0")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be > 0")
	}
	if c.Scheduler.RateFloorMs <= 0 {
		return fmt.Errorf("scheduler.rate_floor_ms must be > 0")
	}
	if c.Retention.WindowMinutes <= 0 {
		return fmt.Errorf("retention.window_minutes must be > 0")
	}
	if c.Retention.SweepPeriodSeconds <= 0 {
		return fmt.Errorf("retention.sweep_period_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db provider %q", c.DB.Provider)
	}
	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set when blob.provider is local")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown blob provider %q", c.Blob.Provider)
	}
	switch c.PubSub.Provider {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub.provider is pubsub")
		}
	case "memory", "noop":
	default:
		return fmt.Errorf("unknown pubsub provider %q", c.PubSub.Provider)
	}
	return nil
}
