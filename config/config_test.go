package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/assetledger/internal/signing"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })
}

func TestLoadConfigFromYAML(t *testing.T) {
	writeConfig(t, `
database:
  driver: sqlite
  source: file:ledger.db
outbox:
  topics: [webhook, search]
  base_backoff: 500ms
audit:
  interval: 1h
`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "file:ledger.db", cfg.DBSource)
	assert.Equal(t, []string{"webhook", "search"}, cfg.OutboxTopics)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxBaseBackoff)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.True(t, cfg.HasTopic("search"))
	assert.False(t, cfg.HasTopic("servicebus"))

	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Minute, cfg.OutboxMaxBackoff)
	assert.Equal(t, 10, cfg.OutboxMaxAttempts)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPServerAddress)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	writeConfig(t, "database:\n  driver: sqlite\n")
	t.Setenv("ASSETLEDGER_DATABASE_DRIVER", "postgres")
	t.Setenv("ASSETLEDGER_SIGNING_MASTER_SEED", "c2VlZA==")
	t.Setenv("ASSETLEDGER_OUTBOX_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "c2VlZA==", cfg.SigningMasterSeed)
	assert.Equal(t, 3, cfg.OutboxMaxAttempts)
}

func TestMissingSeedRefusedUnlessDevelopment(t *testing.T) {
	writeConfig(t, "database:\n  driver: sqlite\n")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Empty(t, cfg.SigningMasterSeed)
	assert.False(t, cfg.IsDevelopment())

	_, err = signing.NewKeyringFromConfig(cfg.SigningMasterSeed, cfg.IsDevelopment())
	assert.ErrorIs(t, err, signing.ErrMissingSeed)

	writeConfig(t, "environment: development\n")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	_, err = signing.NewKeyringFromConfig(cfg.SigningMasterSeed, cfg.IsDevelopment())
	assert.NoError(t, err)
}

func TestFormatIndex(t *testing.T) {
	assert.Equal(t, "assetledger-asset-events", FormatIndex(Config{ElasticSearchPrefix: "assetledger"}, "asset-events"))
}
