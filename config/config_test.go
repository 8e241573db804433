package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
client:
  stream:
    url: wss://noc.example/stream
    transport: websocket
    heartbeat: 20s
    max_retries: 5
    backoff_initial: 500ms
    backoff_max: 1m
  command_timeout: 10s
  alert_capacity: 500
fanout:
  url: nats://broker:4222
  subject_prefix: fiber
http:
  addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	cc := cfg.ClientConfig()
	assert.Equal(t, "wss://noc.example/stream", cc.Transport.URL)
	assert.Equal(t, transport.KindWebSocket, cc.Transport.Transport)
	assert.Equal(t, 20*time.Second, cc.Transport.Heartbeat)
	assert.Equal(t, 5, cc.Transport.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cc.Transport.Backoff.Initial)
	assert.Equal(t, time.Minute, cc.Transport.Backoff.Max)
	assert.Equal(t, 10*time.Second, cc.CommandTimeout)
	assert.Equal(t, 500, cc.AlertCapacity)
	assert.Equal(t, "nats://broker:4222", cfg.Fanout.URL)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)

	// Unset fields keep defaults.
	assert.Equal(t, 5*time.Second, cc.Transport.PollInterval)
	assert.Equal(t, 2.0, cc.Transport.Backoff.Factor)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvURL, "wss://env.example/stream")
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvNATSURL, "nats://env:4222")

	path := writeConfig(t, `
client:
  stream:
    url: wss://file.example/stream
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://env.example/stream", cfg.ClientConfig().Transport.URL, "env wins over file")
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, "nats://env:4222", cfg.Fanout.URL)
}

func TestLoadRejectsInvalidTransportKind(t *testing.T) {
	path := writeConfig(t, `
client:
  stream:
    url: wss://noc.example/stream
    transport: smoke-signals
`)

	_, err := Load(path)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
client:
  stream:
    url: wss://noc.example/stream
    heartbeat: soon
`)

	_, err := Load(path)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestLoadWithoutPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv(EnvURL, "wss://env.example/stream")

	cfg, err := Load("")
	require.NoError(t, err)
	cc := cfg.ClientConfig()
	assert.Equal(t, "wss://env.example/stream", cc.Transport.URL)
	assert.Equal(t, transport.KindAuto, cc.Transport.Transport)
	assert.Equal(t, 15*time.Second, cc.Transport.Heartbeat)
}
