// Package config loads process configuration from RTCORE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/logging"
)

// Prefix is the environment variable prefix.
const Prefix = "RTCORE"

// Config holds all process configuration.
type Config struct {
	Backend    api.Backend   `envconfig:"BACKEND" default:"simulated"`
	BasePeriod time.Duration `envconfig:"BASE_PERIOD" default:"0"`
	ShmDir     string        `envconfig:"SHM_DIR" default:"/dev/shm"`
	ShmPrefix  string        `envconfig:"SHM_PREFIX" default:"rtcore."`
	PoolSize   int           `envconfig:"POOL_SIZE" default:"64"`
	AdminAddr  string        `envconfig:"ADMIN_ADDR"`
	Log        LogConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"warn"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns Default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the simulated-backend configuration.
func Default() *Config {
	return &Config{
		Backend:   api.BackendSimulated,
		ShmDir:    "/dev/shm",
		ShmPrefix: "rtcore.",
		PoolSize:  64,
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.BasePeriod < 0 {
		return fmt.Errorf("%s_BASE_PERIOD: negative period %s", Prefix, c.BasePeriod)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%s_POOL_SIZE: must be positive, got %d", Prefix, c.PoolSize)
	}
	return nil
}

// Logging converts the log section to a logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Development {
		cfg = logging.DevelopmentConfig()
	}
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	return cfg
}
