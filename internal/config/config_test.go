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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultWidth, cfg.Relay.Width)
	assert.Equal(t, DefaultHeight, cfg.Relay.Height)
	assert.Equal(t, DefaultClientLimit, cfg.Relay.ClientLimit)
	assert.Equal(t, "udp", cfg.Relay.Protocol)
	assert.True(t, cfg.Relay.UseDiscriminator)
	assert.Equal(t, "ffmpeg", cfg.Decoder.Binary)
	assert.Equal(t, DefaultRestartAttempts, cfg.Decoder.Restart.MaxAttempts)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
relay:
  width: 640
  height: 480
  client_limit: 4
  protocol: tcp
decoder:
  stall_timeout: 45s
  restart:
    max_attempts: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 640, cfg.Relay.Width)
	assert.Equal(t, 480, cfg.Relay.Height)
	assert.Equal(t, 4, cfg.Relay.ClientLimit)
	assert.Equal(t, "tcp", cfg.Relay.Protocol)
	assert.Equal(t, 45*time.Second, cfg.Decoder.StallTimeout)
	assert.Equal(t, 0, cfg.Decoder.Restart.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, "800k", cfg.Decoder.Bitrate)
	assert.Equal(t, time.Second, cfg.Decoder.Restart.InitialBackoff)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "relay:\n  client_limit: 4\n")
	t.Setenv("RELAY_CLIENT_LIMIT", "25")
	t.Setenv("RELAY_PORT", "9200")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Relay.ClientLimit)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultWidth, cfg.Relay.Width)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "relay: [not, a, map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"negative width", func(c *Config) { c.Relay.Width = -1 }},
		{"zero limit", func(c *Config) { c.Relay.ClientLimit = 0 }},
		{"unknown protocol", func(c *Config) { c.Relay.Protocol = "sctp" }},
		{"empty send buffer", func(c *Config) { c.Relay.SendBuffer = 0 }},
		{"no decoder binary", func(c *Config) { c.Decoder.Binary = "" }},
		{"stall timeout too short", func(c *Config) { c.Decoder.StallTimeout = time.Nanosecond }},
		{"negative stall timeout", func(c *Config) { c.Decoder.StallTimeout = -time.Second }},
		{"negative restarts", func(c *Config) { c.Decoder.Restart.MaxAttempts = -1 }},
	}

	require.NoError(t, Default().Validate())

	noWatchdog := Default()
	noWatchdog.Decoder.StallTimeout = 0
	require.NoError(t, noWatchdog.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
