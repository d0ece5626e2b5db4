package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"APP_ADDR", "STORE_DRIVER", "LEDGER_MAX_RETRIES", "CORS_ALLOWED_ORIGINS", "SHUTDOWN_TIMEOUT", "DRIFT_AUDIT_INTERVAL", "LEDGER_ATOMIC_WRITES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.AtomicWrites)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.DriftAuditInterval)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/leave")
	t.Setenv("LEDGER_ATOMIC_WRITES", "false")
	t.Setenv("LEDGER_MAX_RETRIES", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.AtomicWrites)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("LEDGER_MAX_RETRIES", "many")
	t.Setenv("LEDGER_ATOMIC_WRITES", "sometimes")

	cfg := Load()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.AtomicWrites)
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:     DriverMemory,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "redis" }},
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres }},
		{"mongo without uri", func(c *Config) { c.StoreDriver = DriverMongo }},
		{"production without secret", func(c *Config) { c.Environment = "production" }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
		{"negative audit interval", func(c *Config) { c.DriftAuditInterval = -time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
