package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalConfig = `
server:
  channel_url: ws://localhost:8000
session:
  user_id: u1
  username: alice
`

func TestLoad(t *testing.T) {
	t.Run("defaults are applied", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, 3*time.Second, cfg.Engine.ReconnectBackoff())
		assert.Equal(t, 5*time.Second, cfg.Engine.ReconcileWindow())
		assert.Equal(t, 60*time.Second, cfg.Engine.Timeout())
		assert.Equal(t, 3, cfg.Engine.WarningCeiling)
		assert.Equal(t, 3, cfg.Engine.ReportThreshold)
		assert.Equal(t, "misinformation", cfg.Engine.CountedReportReason)
		assert.Equal(t, 100, cfg.Audit.BufferSize)
		assert.Equal(t, "./data", cfg.Audit.OutputDir)
		assert.Equal(t, ":8080", cfg.Health.Addr)
	})

	t.Run("values override defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
server:
  channel_url: ws://localhost:8000
session:
  user_id: u1
  username: alice
  streams: [s1, s2]
engine:
  reconnect_backoff_seconds: 10
  warning_ceiling: 5
`))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.Engine.ReconnectBackoff())
		assert.Equal(t, 5, cfg.Engine.WarningCeiling)
		assert.Equal(t, []string{"s1", "s2"}, cfg.Session.Streams)
	})

	t.Run("env vars override the file", func(t *testing.T) {
		t.Setenv("CHANNEL_URL", "wss://override.example.com")
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)
		assert.Equal(t, "wss://override.example.com", cfg.Server.ChannelURL)
	})

	t.Run("missing required fields fail", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
server:
  channel_url: ws://localhost:8000
session:
  username: alice
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session.user_id")
	})

	t.Run("s3 bucket requires credentials", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
s3:
  bucket: my-bucket
  region: us-east-1
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "role_arn")
	})

	t.Run("s3 static credentials need the secret", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
s3:
  bucket: my-bucket
  region: us-east-1
  access_key_id: AKIA123
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret_access_key")
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
