// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Addr               string
	Environment        string
	StoreDriver        string
	SQLitePath         string
	DatabaseURL        string
	MongoURI           string
	MongoDatabase      string
	JWTSecret          string
	CORSAllowedOrigins []string
	AtomicWrites       bool
	MaxRetries         int
	PolicyFile         string
	SeedScenario       string
	LogLevel           string
	LogFormat          string
	ShutdownTimeout    time.Duration
	DriftAuditInterval time.Duration // zero disables the background audit
}

// Load reads .env (when present) and then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	return Config{
		Addr:               getEnv("APP_ADDR", ":8080"),
		Environment:        getEnv("APP_ENV", "development"),
		StoreDriver:        getEnv("STORE_DRIVER", DriverSQLite),
		SQLitePath:         getEnv("SQLITE_PATH", "leave.db"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		MongoURI:           getEnv("MONGODB_URI", ""),
		MongoDatabase:      getEnv("MONGODB_DATABASE", "leave_ledger"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
		AtomicWrites:       getEnvBool("LEDGER_ATOMIC_WRITES", true),
		MaxRetries:         getEnvInt("LEDGER_MAX_RETRIES", 3),
		PolicyFile:         getEnv("POLICY_FILE", ""),
		SeedScenario:       getEnv("SEED_SCENARIO", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		DriftAuditInterval: getEnvDuration("DRIFT_AUDIT_INTERVAL", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case DriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres, mongo (got %q)", c.StoreDriver)
	}
	if c.Environment == "production" && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.DriftAuditInterval < 0 {
		return fmt.Errorf("DRIFT_AUDIT_INTERVAL must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
