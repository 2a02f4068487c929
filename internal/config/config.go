// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Token        string        `env:"TOKEN,required,notEmpty"`
	DBPath       string        `env:"DB_PATH"                 envDefault:"telefeed.sqlite"`
	MinInterval  int64         `env:"MIN_INTERVAL"            envDefault:"300"`
	MaxInterval  int64         `env:"MAX_INTERVAL"            envDefault:"43200"`
	MaxFetches   int64         `env:"MAX_CONCURRENT_FETCHES"  envDefault:"16"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT"           envDefault:"30s"`
	MaxFeedSize  int64         `env:"MAX_FEED_SIZE"           envDefault:"2097152"`
	SendRate     int           `env:"SEND_RATE"               envDefault:"25"`
	AllowedUsers []int64       `env:"ALLOWED_USERS"`
	AdminUsers   []int64       `env:"ADMIN_USERS"`
	MaxFeeds     int           `env:"MAX_FEEDS"               envDefault:"0"`
	OpenAIAPIKey string        `env:"OPENAI_API_KEY"`
	OpenAIModel  string        `env:"OPENAI_MODEL"`
	LogLevel     string        `env:"LOG_LEVEL"               envDefault:"info"`
}

// Load reads .env from the working directory when present, then the
// process environment, which takes precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.MinInterval < 1 {
		errs = append(errs, fmt.Errorf("MIN_INTERVAL must be at least 1, got %d", c.MinInterval))
	}
	if c.MaxInterval < c.MinInterval {
		errs = append(errs, fmt.Errorf("MAX_INTERVAL (%d) must not be less than MIN_INTERVAL (%d)",
			c.MaxInterval, c.MinInterval))
	}
	if c.MaxFetches < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_FETCHES must be at least 1, got %d", c.MaxFetches))
	}
	if c.SendRate <= 0 {
		errs = append(errs, fmt.Errorf("SEND_RATE must be positive, got %d", c.SendRate))
	}
	if c.MaxFeeds < 0 {
		errs = append(errs, fmt.Errorf("MAX_FEEDS must not be negative, got %d", c.MaxFeeds))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	return level, nil
}
