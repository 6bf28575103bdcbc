package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:          ":8000",
		EdgeAPIKey:    "secret",
		BufferMaxSize: 1000,
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		AuthTimeout:   10 * time.Second,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EDGE_API_KEY", "secret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "secret", cfg.EdgeAPIKey)
	assert.True(t, cfg.EnableDBPersistence)
	assert.True(t, cfg.EnableRedisPubSub)
	assert.Equal(t, 1000, cfg.BufferMaxSize)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EDGE_API_KEY", "secret")
	t.Setenv("ADDR", ":9001")
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("FLUSH_INTERVAL", "1s")
	t.Setenv("ENABLE_DB_PERSISTENCE", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Addr)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.False(t, cfg.EnableDBPersistence)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("EDGE_API_KEY", "")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EDGE_API_KEY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty addr", func(c *Config) { c.Addr = "" }, "ADDR"},
		{"zero buffer", func(c *Config) { c.BufferMaxSize = 0 }, "BUFFER_MAX_SIZE"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"zero flush interval", func(c *Config) { c.FlushInterval = 0 }, "FLUSH_INTERVAL"},
		{"zero auth timeout", func(c *Config) { c.AuthTimeout = 0 }, "AUTH_TIMEOUT"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errStr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errStr)
		})
	}
}
