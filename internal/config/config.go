package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Transport   TransportConfig   `yaml:"transport"`
	Batch       BatchConfig       `yaml:"batch"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Cache       CacheConfig       `yaml:"cache"`
	Trust       TrustConfig       `yaml:"trust"`
	Redis       RedisConfig       `yaml:"redis"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	MaxEvents  int    `yaml:"max_events"`
	Backend    string `yaml:"backend"` // "memory" or "redis"
}

type TransportConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
}

type BatchConfig struct {
	Size            int `yaml:"size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

type DispatchConfig struct {
	MaxConcurrency   int `yaml:"max_concurrency"`
	HandlerTimeoutMs int `yaml:"handler_timeout_ms"`
	ShutdownGraceMs  int `yaml:"shutdown_grace_ms"`
}

type ResilienceConfig struct {
	CircuitBreakerThreshold     int `yaml:"circuit_breaker_threshold"`
	CircuitBreakerOpenTimeoutMs int `yaml:"circuit_breaker_open_timeout_ms"`
	MaxRetryAttempts            int `yaml:"max_retry_attempts"`
	RetryDelayMs                int `yaml:"retry_delay_ms"`
	TimeoutMs                   int `yaml:"timeout_ms"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
	TTLMs   int  `yaml:"ttl_ms"`
}

type TrustConfig struct {
	TierThresholds []int `yaml:"tier_thresholds"`
	WindowMonths   int   `yaml:"window_months"`
	ScoreCap       int   `yaml:"score_cap"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// Default returns the baseline configuration. Every knob matches the
// documented default so a missing config file still yields a working fabric.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Persistence: PersistenceConfig{
			Enabled:    true,
			TTLSeconds: 86400,
			MaxEvents:  10000,
			Backend:    "memory",
		},
		Transport: TransportConfig{Backend: "memory"},
		Batch:     BatchConfig{Size: 50, FlushIntervalMs: 500},
		Dispatch: DispatchConfig{
			MaxConcurrency:   10,
			HandlerTimeoutMs: 10000,
			ShutdownGraceMs:  5000,
		},
		Resilience: ResilienceConfig{
			CircuitBreakerThreshold:     5,
			CircuitBreakerOpenTimeoutMs: 30000,
			MaxRetryAttempts:            3,
			RetryDelayMs:                200,
			TimeoutMs:                   10000,
		},
		Cache: CacheConfig{Enabled: true, Size: 1000, TTLMs: 300000},
		Trust: TrustConfig{
			TierThresholds: []int{0, 250, 1000, 5000},
			WindowMonths:   12,
			ScoreCap:       1000,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load resolves configuration from an optional file path plus environment
// overrides. An empty path means defaults + environment only.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Only the knobs
// that differ per deployment are exposed this way.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("FABRIC_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("FABRIC_TRANSPORT"); v != "" {
		c.Transport.Backend = v
	}
	if v := os.Getenv("FABRIC_PERSISTENCE_BACKEND"); v != "" {
		c.Persistence.Backend = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
		c.PubSub.Enabled = true
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
}

// Validate rejects configurations the fabric cannot run with.
func (c *Config) Validate() error {
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.FlushIntervalMs <= 0 {
		return fmt.Errorf("batch.flush_interval_ms must be positive, got %d", c.Batch.FlushIntervalMs)
	}
	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch.max_concurrency must be positive, got %d", c.Dispatch.MaxConcurrency)
	}
	if c.Persistence.MaxEvents <= 0 {
		return fmt.Errorf("persistence.max_events must be positive, got %d", c.Persistence.MaxEvents)
	}
	switch c.Persistence.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("persistence.backend must be memory or redis, got %q", c.Persistence.Backend)
	}
	switch c.Transport.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("transport.backend must be memory or redis, got %q", c.Transport.Backend)
	}
	if len(c.Trust.TierThresholds) != 4 {
		return fmt.Errorf("trust.tier_thresholds must list exactly four boundaries, got %d", len(c.Trust.TierThresholds))
	}
	for i := 1; i < len(c.Trust.TierThresholds); i++ {
		if c.Trust.TierThresholds[i] <= c.Trust.TierThresholds[i-1] {
			return fmt.Errorf("trust.tier_thresholds must be strictly increasing")
		}
	}
	if c.Resilience.MaxRetryAttempts < 0 {
		return fmt.Errorf("resilience.max_retry_attempts must not be negative")
	}
	return nil
}
