package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"go-chat-relay/internal/chat"
)

// Config captures the relay node's runtime parameters.
type Config struct {
	HTTPAddress         string          `mapstructure:"http_address"`
	LogLevel            string          `mapstructure:"log_level"`
	LogFormat           string          `mapstructure:"log_format"`
	NodeID              string          `mapstructure:"node_id"`
	ShutdownGracePeriod time.Duration   `mapstructure:"shutdown_grace_period"`
	AllowedOrigins      []string        `mapstructure:"allowed_origins"`
	JWT                 JWTConfig       `mapstructure:"jwt"`
	Database            DatabaseConfig  `mapstructure:"database"`
	Redis               RedisConfig     `mapstructure:"redis"`
	Limits              LimitsConfig    `mapstructure:"limits"`
	Presence            PresenceConfig  `mapstructure:"presence"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// DatabaseConfig selects the durable backend. An empty DSN runs the node on
// the in-memory store.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig enables the cross-node relay when Addr is set.
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

type LimitsConfig struct {
	MaxContentBytes    int           `mapstructure:"max_content_bytes"`
	MaxAttachmentBytes int           `mapstructure:"max_attachment_bytes"`
	OutboundQueue      int           `mapstructure:"outbound_queue"`
	HistoryPage        int           `mapstructure:"history_page"`
	CatchupMax         int           `mapstructure:"catchup_max"`
	AppendTimeout      time.Duration `mapstructure:"append_timeout"`
}

type PresenceConfig struct {
	IdleAfter     time.Duration `mapstructure:"idle_after"`
	DeadAfter     time.Duration `mapstructure:"dead_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RateLimitConfig struct {
	Burst    int           `mapstructure:"burst"`
	Interval time.Duration `mapstructure:"interval"`
}

const (
	defaultHTTPAddress         = ":8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRedisChannel        = "chat-relay"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Variables are prefixed with CHAT_ and override file values;
// DB_DSN, JWT_SECRET and REDIS_ADDR are honoured as well.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("node_id", "")
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "go-chat-relay")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", defaultRedisChannel)
	v.SetDefault("limits.max_content_bytes", chat.DefaultMaxContentBytes)
	v.SetDefault("limits.max_attachment_bytes", chat.DefaultMaxAttachmentBytes)
	v.SetDefault("limits.outbound_queue", 256)
	v.SetDefault("limits.history_page", 100)
	v.SetDefault("limits.catchup_max", 100)
	v.SetDefault("limits.append_timeout", "5s")
	v.SetDefault("presence.idle_after", "30s")
	v.SetDefault("presence.dead_after", "90s")
	v.SetDefault("presence.sweep_interval", "5s")
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.interval", "1s")

	// Plain variable names kept for existing deployments.
	for key, env := range map[string]string{
		"database.dsn": "DB_DSN",
		"jwt.secret":   "JWT_SECRET",
		"redis.addr":   "REDIS_ADDR",
	} {
		if err := v.BindEnv(key, "CHAT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "node"
		}
		cfg.NodeID = host + "-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

// Validate reports every setting the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWT.Secret) == "" {
		errs = append(errs, errors.New("jwt.secret (or JWT_SECRET) is not set"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or console", c.LogFormat))
	}
	if c.HTTPAddress == "" {
		errs = append(errs, errors.New("http_address is empty"))
	}

	for _, setting := range []struct {
		key   string
		value int64
	}{
		{"limits.max_content_bytes", int64(c.Limits.MaxContentBytes)},
		{"limits.max_attachment_bytes", int64(c.Limits.MaxAttachmentBytes)},
		{"limits.outbound_queue", int64(c.Limits.OutboundQueue)},
		{"limits.history_page", int64(c.Limits.HistoryPage)},
		{"limits.catchup_max", int64(c.Limits.CatchupMax)},
		{"limits.append_timeout", int64(c.Limits.AppendTimeout)},
		{"presence.idle_after", int64(c.Presence.IdleAfter)},
		{"presence.dead_after", int64(c.Presence.DeadAfter)},
		{"presence.sweep_interval", int64(c.Presence.SweepInterval)},
		{"rate_limit.burst", int64(c.RateLimit.Burst)},
		{"rate_limit.interval", int64(c.RateLimit.Interval)},
		{"shutdown_grace_period", int64(c.ShutdownGracePeriod)},
	} {
		if setting.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", setting.key))
		}
	}

	if c.Presence.DeadAfter <= c.Presence.IdleAfter {
		errs = append(errs, fmt.Errorf("presence.dead_after (%s) must exceed presence.idle_after (%s)",
			c.Presence.DeadAfter, c.Presence.IdleAfter))
	}
	if c.Limits.CatchupMax > c.Limits.HistoryPage && c.Limits.HistoryPage > 0 {
		errs = append(errs, fmt.Errorf("limits.catchup_max (%d) must not exceed limits.history_page (%d)",
			c.Limits.CatchupMax, c.Limits.HistoryPage))
	}
	return errors.Join(errs...)
}

// ContentLimits converts the message limits for the store.
func (c Config) ContentLimits() chat.Limits {
	return chat.Limits{
		MaxContentBytes:    c.Limits.MaxContentBytes,
		MaxAttachmentBytes: c.Limits.MaxAttachmentBytes,
	}
}
