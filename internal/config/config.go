// Package config loads chatsync settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/chatsync/internal/auth"
	"github.com/christopherjohns/chatsync/internal/channel"
	"github.com/christopherjohns/chatsync/internal/relay"
)

// Config is the root configuration for both binaries.
type Config struct {
	Server  Server         `yaml:"server"`
	Client  Client         `yaml:"client"`
	Channel channel.Config `yaml:"channel"`
	Relay   relay.Config   `yaml:"relay"`
	Log     Log            `yaml:"log"`
}

// Server configures the development backend.
type Server struct {
	ListenAddr  string         `yaml:"listen_addr"`
	RedisAddr   string         `yaml:"redis_addr"`
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenTTL    time.Duration  `yaml:"token_ttl"`
	LoginLimit  int            `yaml:"login_limit"`
	LoginWindow time.Duration  `yaml:"login_window"`
	DebugRoutes bool           `yaml:"debug_routes"`
	Accounts    []auth.Account `yaml:"accounts"`
}

// Client configures the chat CLI.
type Client struct {
	// BaseURL is the REST root, e.g. http://localhost:8080.
	BaseURL string `yaml:"base_url"`
	// Token is a pre-issued bearer token. Login is skipped when set.
	Token string `yaml:"token"`
	// ExpiryLeeway clears a JWT this long before it expires.
	ExpiryLeeway time.Duration `yaml:"expiry_leeway"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration that runs everything on localhost.
func Default() Config {
	ch := channel.DefaultConfig()
	ch.URL = "ws://localhost:8080/ws"
	return Config{
		Server: Server{
			ListenAddr:  ":8080",
			TokenTTL:    24 * time.Hour,
			LoginLimit:  10,
			LoginWindow: time.Minute,
		},
		Client: Client{
			BaseURL:      "http://localhost:8080",
			ExpiryLeeway: 30 * time.Second,
		},
		Channel: ch,
		Relay:   relay.DefaultConfig(),
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Client.BaseURL, "CHATSYNC_BASE_URL")
	set(&c.Channel.URL, "CHATSYNC_WS_URL")
	set(&c.Client.Token, "CHATSYNC_TOKEN")
	set(&c.Server.ListenAddr, "LISTEN_ADDR")
	set(&c.Server.RedisAddr, "REDIS_ADDR")
	set(&c.Server.JWTSecret, "CHATSYNC_JWT_SECRET")
	set(&c.Log.Level, "CHATSYNC_LOG_LEVEL")
}

// Validate reports settings that cannot run.
func (c Config) Validate() error {
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	switch {
	case c.Server.TokenTTL < 0:
		return errors.New("server: token_ttl must not be negative")
	case c.Server.LoginLimit <= 0 || c.Server.LoginWindow <= 0:
		return errors.New("server: login_limit and login_window must be positive")
	case c.Relay.HandshakeTimeout <= 0:
		return errors.New("relay: handshake_timeout must be positive")
	case c.Relay.MaxConns < 0 || c.Relay.HistorySize < 0 || c.Relay.SendLimit < 0:
		return errors.New("relay: limits must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}
