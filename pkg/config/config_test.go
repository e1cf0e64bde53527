package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "memory", cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Duration(0), cfg.Transaction.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Transaction.MonitorInterval)
	assert.Equal(t, 2048, cfg.Transaction.MetadataLimit)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("MUNINNDB_STORAGE_ENGINE", "badger")
		t.Setenv("MUNINNDB_DATA_DIR", "/tmp/muninn")
		t.Setenv("MUNINNDB_AUTH_ENABLED", "true")
		t.Setenv("MUNINNDB_TRANSACTION_TIMEOUT", "30s")
		t.Setenv("MUNINNDB_TRANSACTION_MONITOR_INTERVAL", "500ms")
		t.Setenv("MUNINNDB_TRANSACTION_METADATA_LIMIT", "4096")

		cfg := LoadFromEnv()
		assert.Equal(t, "badger", cfg.Storage.Engine)
		assert.Equal(t, "/tmp/muninn", cfg.Storage.DataDir)
		assert.True(t, cfg.Auth.Enabled)
		assert.Equal(t, 30*time.Second, cfg.Transaction.Timeout)
		assert.Equal(t, 500*time.Millisecond, cfg.Transaction.MonitorInterval)
		assert.Equal(t, 4096, cfg.Transaction.MetadataLimit)
	})

	t.Run("unparseable values keep defaults", func(t *testing.T) {
		t.Setenv("MUNINNDB_AUTH_ENABLED", "not-a-bool")
		t.Setenv("MUNINNDB_TRANSACTION_TIMEOUT", "soon")
		t.Setenv("MUNINNDB_TRANSACTION_METADATA_LIMIT", "lots")

		cfg := LoadFromEnv()
		assert.False(t, cfg.Auth.Enabled)
		assert.Equal(t, time.Duration(0), cfg.Transaction.Timeout)
		assert.Equal(t, 2048, cfg.Transaction.MetadataLimit)
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
storage:
  engine: badger
  data_dir: /var/lib/muninndb
auth:
  enabled: true
transaction:
  timeout: 1m
  monitor_interval: 10s
  metadata_limit: 1024
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "badger", cfg.Storage.Engine)
		assert.Equal(t, "/var/lib/muninndb", cfg.Storage.DataDir)
		assert.True(t, cfg.Auth.Enabled)
		assert.Equal(t, time.Minute, cfg.Transaction.Timeout)
		assert.Equal(t, 10*time.Second, cfg.Transaction.MonitorInterval)
		assert.Equal(t, 1024, cfg.Transaction.MetadataLimit)
	})

	t.Run("environment wins over file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage:\n  engine: badger\n"), 0o644))
		t.Setenv("MUNINNDB_STORAGE_ENGINE", "memory")

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Storage.Engine)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("storage: [not a map"), 0o644))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"badger with data dir", func(c *Config) { c.Storage.Engine = "badger" }, false},
		{"unknown engine", func(c *Config) { c.Storage.Engine = "papyrus" }, true},
		{"badger without data dir", func(c *Config) {
			c.Storage.Engine = "badger"
			c.Storage.DataDir = ""
		}, true},
		{"zero monitor interval", func(c *Config) { c.Transaction.MonitorInterval = 0 }, true},
		{"negative timeout", func(c *Config) { c.Transaction.Timeout = -time.Second }, true},
		{"zero metadata limit", func(c *Config) { c.Transaction.MetadataLimit = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
