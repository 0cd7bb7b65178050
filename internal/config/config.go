// Package config defines all configuration for the calculation core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via IMS_* environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Bus      BusConfig      `mapstructure:"bus"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Markets  MarketsConfig  `mapstructure:"markets"`
	Store    StoreConfig    `mapstructure:"store"`
	RefData  RefDataConfig  `mapstructure:"refdata"`
	API      APIConfig      `mapstructure:"api"`
	Rollover RolloverConfig `mapstructure:"rollover"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BusConfig holds the message-bus endpoints. The ingress URL serves the four
// inbound streams (trades, positions, inventories, contracts); the egress URL
// accepts the outbound update events.
type BusConfig struct {
	IngressURL string `mapstructure:"ingress_url"`
	EgressURL  string `mapstructure:"egress_url"`
}

// EngineConfig tunes the sharded event path.
//
//   - ShardCount: shards per engine; 0 means one per CPU.
//   - ShardQueueHigh/Low: backpressure watermarks on per-shard queue depth.
//     Ingestion pauses when a shard reaches high, resumes once every shard
//     is at or below low.
//   - DeadlineEventProcessing: end-to-end budget for one event.
//   - DeadlineOrderValidation: budget for synchronous order validation.
type EngineConfig struct {
	ShardCount              int           `mapstructure:"shard_count"`
	ShardQueueHigh          int           `mapstructure:"shard_queue_high"`
	ShardQueueLow           int           `mapstructure:"shard_queue_low"`
	DeadlineEventProcessing time.Duration `mapstructure:"deadline_event_processing"`
	DeadlineOrderValidation time.Duration `mapstructure:"deadline_order_validation"`
}

// RetryConfig controls parking of events whose referenced keys are not yet
// known: MaxRetries attempts with exponential backoff before dead-letter.
type RetryConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

// MarketsConfig enumerates the recognized markets and per-market regulatory
// settings. JPCutoffTimeUTC is the Japan SLAB cutoff in "15:04" form.
type MarketsConfig struct {
	Enabled         []string `mapstructure:"enabled"`
	JPCutoffTimeUTC string   `mapstructure:"jp_cutoff_time_utc"`
}

// StoreConfig sets where the SQLite entity store lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RefDataConfig points at the reference-data service for security and book
// lookups.
type RefDataConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// APIConfig controls the synchronous HTTP surface.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RolloverConfig schedules the end-of-day clone to the next business date.
// Schedule is a cron expression evaluated in UTC.
type RolloverConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with IMS_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("IMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Engine.ShardCount <= 0 {
		cfg.Engine.ShardCount = runtime.NumCPU()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.backoff_initial", "100ms")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.backoff_max", "1600ms")
	v.SetDefault("engine.shard_queue_high", 10000)
	v.SetDefault("engine.shard_queue_low", 2500)
	v.SetDefault("engine.deadline_event_processing", "200ms")
	v.SetDefault("engine.deadline_order_validation", "150ms")
	v.SetDefault("markets.jp_cutoff_time_utc", "06:00")
	v.SetDefault("refdata.timeout", "5s")
	v.SetDefault("refdata.cache_ttl", "10m")
	v.SetDefault("rollover.schedule", "0 22 * * 1-5")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bus.IngressURL == "" {
		return fmt.Errorf("bus.ingress_url is required")
	}
	if c.Bus.EgressURL == "" {
		return fmt.Errorf("bus.egress_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.RefData.BaseURL == "" {
		return fmt.Errorf("refdata.base_url is required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}
	if c.Engine.ShardQueueLow >= c.Engine.ShardQueueHigh {
		return fmt.Errorf("engine.shard_queue_low must be < engine.shard_queue_high")
	}
	if c.Engine.DeadlineEventProcessing <= 0 {
		return fmt.Errorf("engine.deadline_event_processing must be > 0")
	}
	if c.Engine.DeadlineOrderValidation <= 0 {
		return fmt.Errorf("engine.deadline_order_validation must be > 0")
	}
	if len(c.Markets.Enabled) == 0 {
		return fmt.Errorf("markets.enabled must list at least one market")
	}
	if _, err := time.Parse("15:04", c.Markets.JPCutoffTimeUTC); err != nil {
		return fmt.Errorf("markets.jp_cutoff_time_utc must be HH:MM: %w", err)
	}
	if c.API.Port != 0 && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
