// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config is the fully-resolved server configuration.
type Config struct {
	AppEnv   string `env:"APP_ENV" default:"development"`
	ServerID string `env:"SERVER_ID"`

	// ChatAddr is the raw TCP listener for the framed chat protocol.
	// When empty it is derived from ChatPort.
	ChatAddr string `env:"CHAT_ADDR"`
	ChatPort int    `env:"CHAT_PORT" default:"8081"`
	// HTTPPort serves the admin API, health checks and metrics.
	HTTPPort string `env:"PORT" default:"8080"`

	MaxConnections    int     `env:"MAX_CONNECTIONS" default:"1000"`
	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND" default:"10"`
	MessageBurst      int     `env:"MESSAGE_BURST" default:"20"`

	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL selects the broker: empty means the in-memory broker,
	// otherwise the Redis-backed one for multi-process fleets.
	RedisURL string `env:"REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.ChatAddr == "" {
		cfg.ChatAddr = fmt.Sprintf(":%d", cfg.ChatPort)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if cfg.MessagesPerSecond < 0 {
		return fmt.Errorf("MESSAGES_PER_SECOND must not be negative")
	}
	return nil
}
