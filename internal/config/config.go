package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the relay and the terminal client.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	ChannelBase    string
	JWTSecret      string
	SendRateLimit  int
	SendRateWindow time.Duration
	Client         ClientConfig
}

// ClientConfig configures the chat sync client.
type ClientConfig struct {
	BaseURL              string
	WSURL                string
	UserID               string
	Token                string
	RequestTimeout       time.Duration
	DialTimeout          time.Duration
	PingInterval         time.Duration
	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HistoryCacheRedisURL string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "chat-relay")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8000")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:chatsync.db?cache=shared")
	v.SetDefault("channel.base", "chatsync")
	v.SetDefault("send.rate_limit", 30)
	v.SetDefault("send.rate_window", "1m")
	v.SetDefault("client.base_url", "http://localhost:8000")
	v.SetDefault("client.request_timeout", "10s")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.ping_interval", "30s")
	v.SetDefault("client.auto_reconnect", true)
	v.SetDefault("client.reconnect_base_delay", "1s")
	v.SetDefault("client.reconnect_max_delay", "30s")
	v.SetDefault("client.max_reconnect_attempts", 0)

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		AppPort:        v.GetString("app.port"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseURL:    v.GetString("database.url"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		ChannelBase:    v.GetString("channel.base"),
		JWTSecret:      v.GetString("jwt.secret"),
		SendRateLimit:  v.GetInt("send.rate_limit"),
		Client: ClientConfig{
			BaseURL:              strings.TrimSuffix(v.GetString("client.base_url"), "/"),
			WSURL:                strings.TrimSuffix(v.GetString("client.ws_url"), "/"),
			UserID:               strings.TrimSpace(v.GetString("client.user_id")),
			Token:                v.GetString("client.token"),
			AutoReconnect:        v.GetBool("client.auto_reconnect"),
			MaxReconnectAttempts: v.GetInt("client.max_reconnect_attempts"),
			HistoryCacheRedisURL: v.GetString("client.history_cache_redis_url"),
		},
	}

	durations["send.rate_window"] = &cfg.SendRateWindow
	durations["client.request_timeout"] = &cfg.Client.RequestTimeout
	durations["client.dial_timeout"] = &cfg.Client.DialTimeout
	durations["client.ping_interval"] = &cfg.Client.PingInterval
	durations["client.reconnect_base_delay"] = &cfg.Client.ReconnectBaseDelay
	durations["client.reconnect_max_delay"] = &cfg.Client.ReconnectMaxDelay

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		*target = parsed
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.Client.WSURL == "" {
		wsURL, err := WebsocketURL(cfg.Client.BaseURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid client base url: %w", err)
		}
		cfg.Client.WSURL = wsURL
	}

	return cfg, nil
}

// WebsocketURL derives the ws(s) base from an http(s) base URL.
func WebsocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	return strings.TrimSuffix(parsed.String(), "/"), nil
}
