package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Should apply defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)

		assert.Equal(t, "http://localhost:8080", cfg.Backend.BaseURL)
		assert.Equal(t, 1800*time.Second, cfg.Backend.WaitTimeout)
		assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
		assert.Equal(t, 900, cfg.Poll.MaxAttempts)
		assert.Equal(t, 10, cfg.Poll.MaxConsecutiveFailures)
		assert.Equal(t, "*/5 * * * *", cfg.Maintenance.Cron)
		assert.Equal(t, time.Hour, cfg.Maintenance.HistoryRetention)
		assert.False(t, cfg.Storage.Enabled())
	})

	t.Run("Should read values from yaml file", func(t *testing.T) {
		path := writeConfig(t, `
backend:
  base_url: https://meetings.example.com/
  wait_timeout: 10m
poll:
  interval: 500ms
  max_attempts: 20
storage:
  bucket: audio
  access_key_id: key
  secret_access_key: secret
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "https://meetings.example.com", cfg.Backend.BaseURL)
		assert.Equal(t, 10*time.Minute, cfg.Backend.WaitTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
		assert.Equal(t, 20, cfg.Poll.MaxAttempts)
		assert.True(t, cfg.Storage.Enabled())
	})

	t.Run("Should let environment override file", func(t *testing.T) {
		path := writeConfig(t, "poll:\n  max_attempts: 20\n")
		t.Setenv("MEETAUDIO_POLL_MAX_ATTEMPTS", "42")
		t.Setenv("DATABASE_URL", "sqlite:///tmp/meetaudio-test.db")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 42, cfg.Poll.MaxAttempts)
		assert.Equal(t, "sqlite:///tmp/meetaudio-test.db", cfg.Database.URL)
	})

	t.Run("Should reject non-positive bounds", func(t *testing.T) {
		_, err := Load(writeConfig(t, "poll:\n  max_consecutive_failures: 0\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll.max_consecutive_failures must be positive")
	})

	t.Run("Should fail on missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
