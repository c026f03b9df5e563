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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 30*time.Second, cfg.Room.ReconnectGrace)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongTimeout)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yml")
	content := `
server:
  port: "9090"
redis:
  host: redis.internal
  port: "6380"
room:
  reconnect_grace: 45s
auth:
  service_url: http://auth.internal/api/auth
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
	assert.Equal(t, 45*time.Second, cfg.Room.ReconnectGrace)
	assert.Equal(t, "http://auth.internal/api/auth", cfg.Auth.ServiceURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GW_SERVER_PORT", "7070")
	t.Setenv("GW_REDIS_HOST", "envhost")
	t.Setenv("GW_ROOM_RECONNECT_GRACE", "1m")
	t.Setenv("GW_LOG_IS_DEV", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "envhost", cfg.Redis.Host)
	assert.Equal(t, time.Minute, cfg.Room.ReconnectGrace)
	assert.True(t, cfg.Logging.IsDev)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			mutate: func(c *Config) { c.Server.Port = "" },
			errMsg: "server port",
		},
		{
			name:   "non-numeric port",
			mutate: func(c *Config) { c.Server.Port = "abc" },
			errMsg: "numeric",
		},
		{
			name:   "missing redis host",
			mutate: func(c *Config) { c.Redis.Host = "" },
			errMsg: "redis host",
		},
		{
			name:   "missing auth url",
			mutate: func(c *Config) { c.Auth.ServiceURL = "" },
			errMsg: "auth service",
		},
		{
			name:   "zero grace period",
			mutate: func(c *Config) { c.Room.ReconnectGrace = 0 },
			errMsg: "grace period",
		},
		{
			name:   "ping not shorter than pong",
			mutate: func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.PongTimeout },
			errMsg: "ping interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
