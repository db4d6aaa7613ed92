package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/modkit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.True(t, cfg.Registry.DockerConfig)
	assert.Empty(t, cfg.EngineOptions())
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
output_dir: /games/skyrim
work_dir: /var/cache/modkit
log_level: debug
sync_writes: false
workers: 12
concurrency:
  cpu: 6
  network: 2
cache:
  max_memory_bytes: 1073741824
  verify_hits: true
download:
  max_attempts: 3
  initial_backoff: 250ms
  max_backoff: 10s
http:
  timeout: 1m
  headers:
    User-Agent: modkit-test
registry:
  host: ghcr.io
  token: secret
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/games/skyrim", cfg.OutputDir)
	assert.Equal(t, "/var/cache/modkit", cfg.WorkDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NotNil(t, cfg.SyncWrites)
	assert.False(t, *cfg.SyncWrites)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, ConcurrencyConfig{CPU: 6, Network: 2}, cfg.Concurrency)
	assert.Equal(t, int64(1<<30), cfg.Cache.MaxMemoryBytes)
	assert.True(t, cfg.Cache.VerifyHits)
	assert.Equal(t, DownloadConfig{MaxAttempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 10 * time.Second}, cfg.Download)
	assert.Equal(t, time.Minute, cfg.HTTP.Timeout)
	assert.Equal(t, "modkit-test", cfg.HTTP.Headers["User-Agent"])
	assert.Equal(t, "secret", cfg.Registry.Token)
	// Unset keys keep their defaults.
	assert.True(t, cfg.Registry.DockerConfig)

	e, err := modkit.New(cfg.OutputDir, cfg.Downloader(), cfg.EngineOptions()...)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/cache/modkit", "state.journal"), e.StatePath())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed", content: "workers: [1, 2"},
		{name: "wrong type", content: "workers: many"},
		{name: "negative workers", content: "workers: -1"},
		{name: "negative cache", content: "cache:\n  max_memory_bytes: -5"},
		{name: "empty output", content: `output_dir: ""`},
		{name: "token and username", content: "registry:\n  host: r\n  token: t\n  username: u"},
		{name: "credentials without host", content: "registry:\n  username: u\n  password: p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "info", "DEBUG", "warn", "warning", "error"} {
		_, err := parseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}
