package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/ledger.db", cfg.DatabaseURL)
	assert.Equal(t, "default", cfg.DefaultUserID)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, 90*24*time.Hour, cfg.SyncLookback)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ledger:pw@localhost/ledger")
	t.Setenv("LEDGER_USER", "alice")
	t.Setenv("SYNC_LOOKBACK", "24h")
	t.Setenv("SYNC_CONCURRENCY", "0")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://ledger:pw@localhost/ledger", cfg.DatabaseURL)
	assert.Equal(t, "alice", cfg.DefaultUserID)
	assert.Equal(t, 24*time.Hour, cfg.SyncLookback)
	assert.Equal(t, 1, cfg.SyncConcurrency, "concurrency clamps to 1")
	assert.True(t, cfg.Debug)
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"database_url: /tmp/from-yaml.db\nbroker_provider: schwab\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BROKER_PROVIDER", "tastytrade")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-yaml.db", cfg.DatabaseURL)
	assert.Equal(t, "tastytrade", cfg.BrokerProvider, "env overrides yaml")
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}
