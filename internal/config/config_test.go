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
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CHAT_JWT_SECRET", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 4000, cfg.Limits.MaxContentBytes)
	assert.Equal(t, 5*time.Second, cfg.Limits.AppendTimeout)
	assert.Equal(t, 30*time.Second, cfg.Presence.IdleAfter)
	assert.Equal(t, 90*time.Second, cfg.Presence.DeadAfter)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, defaultRedisChannel, cfg.Redis.Channel)
	assert.NotEmpty(t, cfg.NodeID)

	// Only the secret is missing.
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")

	cfg.JWT.Secret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
http_address: "127.0.0.1:7001"
log_level: "debug"
log_format: "console"
node_id: "node-a"
allowed_origins: ["https://chat.example.com", "https://*.example.com"]
jwt:
  secret: "from-file"
limits:
  max_content_bytes: 200
  append_timeout: "750ms"
presence:
  idle_after: "10s"
  dead_after: "40s"
`), 0o644))

	t.Setenv("CHAT_HTTP_ADDRESS", ":6000")
	t.Setenv("CHAT_RATE_LIMIT_BURST", "9")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DB_DSN", "postgres://localhost/chat")
	t.Setenv("CHAT_REDIS_ADDR", "redis:6379")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.HTTPAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, []string{"https://chat.example.com", "https://*.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "postgres://localhost/chat", cfg.Database.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 200, cfg.ContentLimits().MaxContentBytes)
	assert.Equal(t, 750*time.Millisecond, cfg.Limits.AppendTimeout)
	assert.Equal(t, 10*time.Second, cfg.Presence.IdleAfter)
	assert.Equal(t, 9, cfg.RateLimit.Burst)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)
	base.JWT.Secret = "s"

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "dead before idle", mutate: func(c *Config) { c.Presence.DeadAfter = c.Presence.IdleAfter }, want: "presence.dead_after"},
		{name: "zero queue", mutate: func(c *Config) { c.Limits.OutboundQueue = 0 }, want: "limits.outbound_queue"},
		{name: "negative burst", mutate: func(c *Config) { c.RateLimit.Burst = -1 }, want: "rate_limit.burst"},
		{name: "catch-up beyond page", mutate: func(c *Config) { c.Limits.CatchupMax = c.Limits.HistoryPage + 1 }, want: "limits.catchup_max"},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: "log_format"},
		{name: "blank secret", mutate: func(c *Config) { c.JWT.Secret = "  " }, want: "jwt.secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
