package config_test

import (
	"log/slog"
	"testing"
	"time"

	"telefeed/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN", "123:abc")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "telefeed.sqlite", cfg.DBPath)
	assert.EqualValues(t, 300, cfg.MinInterval)
	assert.EqualValues(t, 43200, cfg.MaxInterval)
	assert.EqualValues(t, 16, cfg.MaxFetches)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.EqualValues(t, 2<<20, cfg.MaxFeedSize)
	assert.Equal(t, 25, cfg.SendRate)
	assert.Empty(t, cfg.AllowedUsers)
	assert.Zero(t, cfg.MaxFeeds)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN", "123:abc")
	t.Setenv("DB_PATH", "state.json")
	t.Setenv("MIN_INTERVAL", "60")
	t.Setenv("MAX_INTERVAL", "600")
	t.Setenv("ALLOWED_USERS", "1,2")
	t.Setenv("ADMIN_USERS", "3")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "state.json", cfg.DBPath)
	assert.EqualValues(t, 60, cfg.MinInterval)
	assert.EqualValues(t, 600, cfg.MaxInterval)
	assert.Equal(t, []int64{1, 2}, cfg.AllowedUsers)
	assert.Equal(t, []int64{3}, cfg.AdminUsers)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TOKEN", "")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := config.Config{
		Token:       "t",
		MinInterval: 10,
		MaxInterval: 20,
		MaxFetches:  1,
		SendRate:    1,
		LogLevel:    "info",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero min interval", func(c *config.Config) { c.MinInterval = 0 }},
		{"max below min", func(c *config.Config) { c.MaxInterval = 5 }},
		{"no fetches", func(c *config.Config) { c.MaxFetches = 0 }},
		{"zero send rate", func(c *config.Config) { c.SendRate = 0 }},
		{"negative feed cap", func(c *config.Config) { c.MaxFeeds = -1 }},
		{"bad level", func(c *config.Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
