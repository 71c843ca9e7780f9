package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("VUKAWIFI_RADIUS_SECRET", "fromenv")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.RADIUS.Secret)
	assert.Equal(t, ":1813", cfg.RADIUS.AccountingAddress)
	assert.Equal(t, 3799, cfg.RADIUS.CoAPort)
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("VUKAWIFI_RADIUS_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
radius:
  secret: filetimes
  coa_port: 13799
sweeper:
  interval: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "filetimes", cfg.RADIUS.Secret)
	assert.Equal(t, 13799, cfg.RADIUS.CoAPort)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	// Untouched sections keep defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Address)
}

func TestLoadSecretFromFile(t *testing.T) {
	t.Setenv("VUKAWIFI_RADIUS_SECRET", "")
	secretPath := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))
	t.Setenv("VUKAWIFI_RADIUS_SECRET_FILE", secretPath)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.RADIUS.Secret)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("VUKAWIFI_RADIUS_SECRET", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("VUKAWIFI_RADIUS_SECRET", "x")
	t.Setenv("VUKAWIFI_LOG_LEVEL", "loud")
	_, err := Load("")
	assert.Error(t, err)
}
