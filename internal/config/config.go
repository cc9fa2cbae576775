// Package config provides configuration for the chat server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the chatd configuration. Values come from the environment,
// optionally seeded from a YAML file.
type Config struct {
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT" env-default:"8080"`

	DatabaseDSN string `yaml:"database_dsn" env:"DATABASE_DSN" env-default:"file:livechat.db?cache=shared&mode=rwc"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"127.0.0.1:6379"`

	// AdminToken gates admin-only routes and the admin WebSocket role. The
	// real deployment sits behind an external session-cookie check; the
	// token is the standalone equivalent of that gate.
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN" env-default:""`

	PingIntervalMs int   `yaml:"ws_ping_interval_ms" env:"WS_PING_INTERVAL_MS" env-default:"30000"`
	WriteTimeoutMs int   `yaml:"ws_write_timeout_ms" env:"WS_WRITE_TIMEOUT_MS" env-default:"10000"`
	ReadTimeoutMs  int   `yaml:"ws_read_timeout_ms" env:"WS_READ_TIMEOUT_MS" env-default:"60000"`
	MaxMessageSize int64 `yaml:"ws_max_message_size" env:"WS_MAX_MESSAGE_SIZE" env-default:"65536"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogPath  string `yaml:"log_path" env:"LOG_PATH" env-default:""`
}

// Load reads configuration from the environment; when path is non-empty the
// file is read first and the environment overrides it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		desc, _ := cleanenv.GetDescription(cfg, nil)
		return nil, fmt.Errorf("load config: %w; %s", err, desc)
	}
	return cfg, nil
}

// MustLoad is Load that exits on error, for main().
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

// PingInterval returns the WebSocket ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// WriteTimeout returns the WebSocket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the WebSocket read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}
