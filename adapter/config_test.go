package marketplace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.Auth.RefreshThreshold)
	assert.Equal(t, 30*time.Second, cfg.Auth.RetryDelay)
	assert.Equal(t, 3, cfg.Auth.MaxRetries)
	assert.Equal(t, StrategyJWT, cfg.Auth.RefreshStrategy)
	assert.Equal(t, DriverFile, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Events.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Events.HeartbeatTimeout)
	assert.Equal(t, time.Second, cfg.Events.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.Events.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Events.ReconnectMaxDelay)
	assert.True(t, cfg.Events.BearerAuth)
	assert.Equal(t, BridgeNone, cfg.Bridge.Driver)

	require.NoError(t, Validate(cfg))
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketplace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  base_url: https://api.example.com
  retry_delay: 10s
store:
  driver: memory
events:
  url: wss://events.example.com
  max_reconnect_attempts: 8
`), 0600))

	t.Setenv("MARKETPLACE_AUTH_MAX_RETRIES", "5")
	t.Setenv("MARKETPLACE_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Auth.BaseURL)
	assert.Equal(t, "https://api.example.com/api/auth/login/", cfg.Auth.LoginURL())
	assert.Equal(t, 10*time.Second, cfg.Auth.RetryDelay)
	assert.Equal(t, 5, cfg.Auth.MaxRetries)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "wss://events.example.com", cfg.Events.URL)
	assert.Equal(t, 8, cfg.Events.MaxReconnectAttempts)
	assert.Equal(t, "DEBUG", cfg.Log.Level)

	// Untouched keys keep their defaults
	assert.Equal(t, 5*time.Minute, cfg.Auth.RefreshThreshold)
	assert.Equal(t, "/ws/vendor/{tenant}/", cfg.Events.PathTemplate)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Auth.RefreshStrategy = "saml" }},
		{"oauth2 without token url", func(c *Config) { c.Auth.RefreshStrategy = StrategyOAuth2; c.Auth.ClientID = "id" }},
		{"redis without url", func(c *Config) { c.Store.Driver = DriverRedis }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }},
		{"zero threshold", func(c *Config) { c.Auth.RefreshThreshold = 0 }},
		{"negative retries", func(c *Config) { c.Auth.MaxRetries = -1 }},
		{"max delay below base", func(c *Config) { c.Events.ReconnectMaxDelay = 100 * time.Millisecond }},
		{"zero reconnect attempts", func(c *Config) { c.Events.MaxReconnectAttempts = 0 }},
		{"redisstream bridge without url", func(c *Config) { c.Bridge.Driver = BridgeRedisStream }},
		{"bad log level", func(c *Config) { c.Log.Level = "TRACE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}
}

func TestConfigStringRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.ClientSecret = "hunter2"
	cfg.Store.RedisURL = "redis://:pw@localhost:6379/0"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "pw@localhost")
	assert.Contains(t, s, "***REDACTED***")
}
