package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ledger service.
type Config struct {
	// Storage. A postgres:// URL or a SQLite file path.
	DatabaseURL string `yaml:"database_url"`

	// Multi-tenancy. When auth is disabled the pipeline runs for this
	// single user id.
	DefaultUserID string `yaml:"default_user_id"`

	// Secrets. Hex-encoded 32-byte AES key for stored broker tokens.
	EncryptionKey string `yaml:"-"`

	// Broker API.
	BrokerBaseURL    string        `yaml:"broker_base_url"`
	BrokerProvider   string        `yaml:"broker_provider"`
	BrokerRatePerSec float64       `yaml:"broker_rate_per_sec"`
	BrokerBurst      int           `yaml:"broker_burst"`
	SyncLookback     time.Duration `yaml:"sync_lookback"`
	SyncConcurrency  int           `yaml:"sync_concurrency"`

	// Mode.
	Debug bool `yaml:"debug"`
}

// Load builds configuration from environment variables, with an optional
// YAML file (CONFIG_FILE) applied first so env always wins.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      "data/ledger.db",
		DefaultUserID:    "default",
		BrokerBaseURL:    "https://api.tastyworks.com",
		BrokerProvider:   "tastytrade",
		BrokerRatePerSec: 2,
		BrokerBurst:      5,
		SyncLookback:     90 * 24 * time.Hour,
		SyncConcurrency:  4,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DefaultUserID = getEnv("LEDGER_USER", cfg.DefaultUserID)
	cfg.EncryptionKey = os.Getenv("LEDGER_ENCRYPTION_KEY")
	cfg.BrokerBaseURL = getEnv("BROKER_BASE_URL", cfg.BrokerBaseURL)
	cfg.BrokerProvider = getEnv("BROKER_PROVIDER", cfg.BrokerProvider)
	cfg.BrokerRatePerSec = getEnvFloat("BROKER_RATE_PER_SEC", cfg.BrokerRatePerSec)
	cfg.BrokerBurst = getEnvInt("BROKER_BURST", cfg.BrokerBurst)
	cfg.SyncLookback = getEnvDuration("SYNC_LOOKBACK", cfg.SyncLookback)
	cfg.SyncConcurrency = getEnvInt("SYNC_CONCURRENCY", cfg.SyncConcurrency)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
