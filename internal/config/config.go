// Package config loads the gosplit service configuration from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultServerPort      = 8060
	defaultServerTimeout   = 30
	defaultRedisAddress    = "localhost:6379"
	defaultMaxExperiments  = 10
	defaultSessionTTL      = 30 * 24 * time.Hour
	defaultDelayedScoreTTL = 24 * time.Hour
)

type Config struct {
	Debug  bool         `env:"APP_DEBUG" yaml:"debug"`
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Split  SplitConfig  `yaml:"split"`
	Log    LogConfig    `yaml:"log"`
}

// RedisConfig holds the connection settings for the shared key-value store.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
	// Events toggles experiment lifecycle event publishing to a Redis stream.
	Events bool `env:"REDIS_EVENTS_ENABLED" yaml:"events"`
}

type ServerConfig struct {
	Host         string        `env:"SERVER_HOST" yaml:"host"`
	Port         int           `env:"SERVER_PORT" yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SplitConfig holds the experiment engine policy. It is injected into the
// engine at construction; there is no global singleton.
type SplitConfig struct {
	// Disabled turns the whole engine off. When set every trial resolves
	// to the control alternative without counting or persisting.
	Disabled bool `env:"SPLIT_DISABLED" yaml:"disabled"`
	// DBFailover suppresses store errors: the engine invokes the failover
	// callback and falls back to the control alternative instead of
	// propagating the error.
	DBFailover bool `env:"SPLIT_DB_FAILOVER" yaml:"db_failover"`
	// DBFailoverAllowOverride lets a caller-supplied override alternative
	// win even while the store is down.
	DBFailoverAllowOverride bool `yaml:"db_failover_allow_override"`
	// StoreOverride controls whether an override assignment is persisted
	// to the visitor session and counted on first exposure.
	StoreOverride bool `yaml:"store_override"`
	// MaxExperiments caps how many distinct experiments a single visitor
	// may participate in; beyond it new trials resolve to control.
	MaxExperiments int `env:"SPLIT_MAX_EXPERIMENTS" yaml:"max_experiments"`
	// SessionTTL is the expiry applied to per-visitor assignment records.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// DelayedScoreTTL is the expiry for staged delayed scores.
	DelayedScoreTTL time.Duration `yaml:"delayed_score_ttl"`
	// IgnoreIPs lists IP prefixes whose trials are never counted.
	IgnoreIPs []string `env:"SPLIT_IGNORE_IPS" yaml:"ignore_ips"`
	// IgnoreUserAgents lists user-agent substrings (bots, health checkers)
	// whose trials are never counted.
	IgnoreUserAgents []string `yaml:"ignore_user_agents"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" yaml:"level"`
}

func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port is required and must be positive")
	}
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if c.Split.MaxExperiments <= 0 {
		return errors.New("split.max_experiments must be positive")
	}
	return nil
}

func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	setDefaults(cfg)
	// Re-apply env overrides after defaults (env always wins)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultServerTimeout * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultServerTimeout * time.Second
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	if cfg.Split.MaxExperiments == 0 {
		cfg.Split.MaxExperiments = defaultMaxExperiments
	}
	if cfg.Split.SessionTTL == 0 {
		cfg.Split.SessionTTL = defaultSessionTTL
	}
	if cfg.Split.DelayedScoreTTL == 0 {
		cfg.Split.DelayedScoreTTL = defaultDelayedScoreTTL
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
