package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clickshield.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":3456", cfg.Server.ListenAddr)
	assert.Equal(t, 600, cfg.Server.TrackRateLimit)
	assert.True(t, cfg.Fraud.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Fraud.DeferredDelay)
	assert.Equal(t, 100, cfg.Fraud.Defaults.BlockThreshold)
	assert.Equal(t, "none", cfg.Reputation.Provider)
	assert.Equal(t, 2, cfg.Jobs.MaxRetries)
	assert.False(t, cfg.GoogleAds.Configured())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":8080"
fraud:
  deferred_delay: 5m
  defaults:
    block_threshold: 60
reputation:
  provider: ipinfo
googleads:
  client_id: id
  client_secret: secret
  developer_token: dev
`)
	t.Setenv("CLICKSHIELD_FRAUD__LOG_RETENTION_DAYS", "30")
	t.Setenv("CLICKSHIELD_KAFKA__BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Fraud.DeferredDelay)
	assert.Equal(t, 60, cfg.Fraud.Defaults.BlockThreshold)
	assert.Equal(t, 24, cfg.Fraud.Defaults.ScoreWindowHours, "unset defaults keep their value")
	assert.Equal(t, 30, cfg.Fraud.LogRetentionDays)
	assert.Equal(t, "ipinfo", cfg.Reputation.Provider)
	assert.True(t, cfg.GoogleAds.Configured())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "reputation:\n  provider: shodan\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "fraud:\n  log_retention_days: 0\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "fraud.deferred_delay", envTransform("CLICKSHIELD_FRAUD__DEFERRED_DELAY"))
	assert.Equal(t, "server.listen_addr", envTransform("CLICKSHIELD_SERVER__LISTEN_ADDR"))
}
