// Package config handles MuninnDB configuration via environment variables.
//
// All settings can be supplied through environment variables prefixed with
// MUNINNDB_, or through a YAML file loaded with LoadFile. Environment
// variables win over file values when both are set.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - MUNINNDB_STORAGE_ENGINE="memory" or "badger"
//   - MUNINNDB_DATA_DIR="./data"
//   - MUNINNDB_AUTH_ENABLED=true
//   - MUNINNDB_TRANSACTION_TIMEOUT=30s (0 disables timeouts)
//   - MUNINNDB_TRANSACTION_MONITOR_INTERVAL=2s
//   - MUNINNDB_TRANSACTION_METADATA_LIMIT=2048
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all MuninnDB configuration.
type Config struct {
	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Auth settings
	Auth AuthConfig `yaml:"auth"`

	// Transaction kernel settings
	Transaction TransactionConfig `yaml:"transaction"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	// Engine is "memory" or "badger".
	Engine string `yaml:"engine"`

	// DataDir is the data directory for persistent engines.
	DataDir string `yaml:"data_dir"`
}

// AuthConfig controls authentication.
type AuthConfig struct {
	// Enabled enforces login contexts on transaction begin.
	Enabled bool `yaml:"enabled"`
}

// TransactionConfig controls the transaction kernel.
type TransactionConfig struct {
	// Timeout is the default per-transaction timeout. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`

	// MonitorInterval is how often the timeout monitor scans live
	// transactions.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// MetadataLimit caps the total character count of transaction metadata.
	MetadataLimit int `yaml:"metadata_limit"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:  "memory",
			DataDir: "./data",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Transaction: TransactionConfig{
			Timeout:         0,
			MonitorInterval: 2 * time.Second,
			MetadataLimit:   2048,
		},
	}
}

// LoadFromEnv builds a Config from defaults overridden by environment
// variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML config file and applies environment overrides on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MUNINNDB_STORAGE_ENGINE"); v != "" {
		c.Storage.Engine = v
	}
	if v := os.Getenv("MUNINNDB_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("MUNINNDB_AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = parseBool(v, c.Auth.Enabled)
	}
	if v := os.Getenv("MUNINNDB_TRANSACTION_TIMEOUT"); v != "" {
		c.Transaction.Timeout = parseDuration(v, c.Transaction.Timeout)
	}
	if v := os.Getenv("MUNINNDB_TRANSACTION_MONITOR_INTERVAL"); v != "" {
		c.Transaction.MonitorInterval = parseDuration(v, c.Transaction.MonitorInterval)
	}
	if v := os.Getenv("MUNINNDB_TRANSACTION_METADATA_LIMIT"); v != "" {
		c.Transaction.MetadataLimit = parseInt(v, c.Transaction.MetadataLimit)
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown storage engine %q (want memory or badger)", c.Storage.Engine)
	}
	if c.Storage.Engine == "badger" && c.Storage.DataDir == "" {
		return fmt.Errorf("badger engine requires a data directory")
	}
	if c.Transaction.MonitorInterval <= 0 {
		return fmt.Errorf("transaction monitor interval must be positive, got %v", c.Transaction.MonitorInterval)
	}
	if c.Transaction.Timeout < 0 {
		return fmt.Errorf("transaction timeout cannot be negative, got %v", c.Transaction.Timeout)
	}
	if c.Transaction.MetadataLimit <= 0 {
		return fmt.Errorf("transaction metadata limit must be positive, got %d", c.Transaction.MetadataLimit)
	}
	return nil
}

func parseBool(value string, fallback bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
