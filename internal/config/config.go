// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Logging     LoggingConfig     `mapstructure:"logging"`
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

// CrawlConfig carries the default traversal policy and spider behavior.
type CrawlConfig struct {
	UserAgent     string                   `mapstructure:"user_agent"`
	PerHostRPS    float64                  `mapstructure:"per_host_rps"`
	DefaultPolicy pipeline.TraversalPolicy `mapstructure:"default_policy"`
	// MaxConcurrency bounds in-flight transforms in composed runs.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// FetchConfig configures the static HTTP fetcher.
type FetchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ExtractConfig tunes the extraction strategy registry.
type ExtractConfig struct {
	// RegexPatterns, when set, registers a regex strategy compiled from
	// these patterns after the markup strategies.
	RegexPatterns []string `mapstructure:"regex_patterns"`
}

// BreakerConfig tunes the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	WindowSeconds    int `mapstructure:"window_seconds"`
	OpenBaseSeconds  int `mapstructure:"open_base_seconds"`
	OpenMaxSeconds   int `mapstructure:"open_max_seconds"`
}

// IdempotencyConfig selects the lease store backend.
type IdempotencyConfig struct {
	// Backend is "memory" or "postgres".
	Backend         string `mapstructure:"backend"`
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"`
	Table           string `mapstructure:"table"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for domain event publication.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CacheConfig toggles extraction memoization.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UNDERTOW")
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
	v.SetDefault("crawl.user_agent", "undertow-bot/0.1")
	v.SetDefault("crawl.per_host_rps", 2.0)
	v.SetDefault("crawl.max_concurrency", 4)
	v.SetDefault("crawl.default_policy.max_depth", 1)
	v.SetDefault("crawl.default_policy.max_pages", 10)
	v.SetDefault("crawl.default_policy.same_origin_only", true)
	v.SetDefault("crawl.default_policy.respect_robots", true)
	v.SetDefault("crawl.default_policy.concurrency", 4)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_seconds", 30)
	v.SetDefault("breaker.open_base_seconds", 10)
	v.SetDefault("breaker.open_max_seconds", 300)
	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.lease_ttl_seconds", 300)
	v.SetDefault("idempotency.table", "crawl_leases")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Crawl.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("crawl.default_policy: %w", err)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Idempotency.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres idempotency backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be memory or postgres, got %q", c.Idempotency.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// LeaseTTL converts the idempotency TTL into a duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Idempotency.LeaseTTLSeconds) * time.Second
}

// CacheTTL converts the cache TTL into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
