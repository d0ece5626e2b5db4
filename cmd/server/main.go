/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Configure slog
  3. Open the record store selected by STORE_DRIVER / -store
  4. Build the ledger (policy file, retries, atomic writes)
  5. Optionally seed a demo scenario
  6. Start the drift auditor and the HTTP server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -addr    Listen address (APP_ADDR, default :8080)
  -store   memory | sqlite | postgres | mongo (STORE_DRIVER, default sqlite)
  -db      SQLite database path (SQLITE_PATH, default leave.db)
           Use ":memory:" for an in-memory database
  -seed    Demo scenario to load at startup (SEED_SCENARIO)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and close open entry streams
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the drift auditor
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/leave.db"

  # Run in memory with demo data
  ./server -store=memory -seed=team-month

  # Run against PostgreSQL
  DATABASE_URL=postgres://localhost/leave ./server -store=postgres

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - leave/ledger.go: Ledger engine
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldtrack/leave-ledger/api"
	"github.com/fieldtrack/leave-ledger/config"
	"github.com/fieldtrack/leave-ledger/factory"
	"github.com/fieldtrack/leave-ledger/generic"
	"github.com/fieldtrack/leave-ledger/generic/store"
	"github.com/fieldtrack/leave-ledger/leave"
	"github.com/fieldtrack/leave-ledger/store/mongo"
	"github.com/fieldtrack/leave-ledger/store/postgres"
	"github.com/fieldtrack/leave-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "record store: memory, sqlite, postgres, mongo")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path")
	flag.StringVar(&cfg.SeedScenario, "seed", cfg.SeedScenario, "demo scenario to load at startup")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []leave.Option{
		leave.WithLogger(logger),
		leave.WithMaxRetries(cfg.MaxRetries),
		leave.WithAtomicWrites(cfg.AtomicWrites),
	}
	if cfg.PolicyFile != "" {
		policy, cycle, err := factory.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		opts = append(opts, leave.WithPolicy(policy), leave.WithPayCycle(cycle))
		logger.Info("policy loaded", "file", cfg.PolicyFile, "payCycleStartDay", cycle.StartDay)
	}
	ledger := leave.NewLedger(s, opts...)
	logger.Info("ledger ready", "store", cfg.StoreDriver, "atomic", ledger.Atomic(), "maxRetries", cfg.MaxRetries)

	handler := api.NewHandler(ledger, s, logger)
	if cfg.SeedScenario != "" {
		if err := handler.Seed(ctx, cfg.SeedScenario); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedScenario, err)
		}
	}

	auditor := api.NewDriftAuditor(ledger, s, logger)
	auditor.CheckInterval = cfg.DriftAuditInterval
	handler.Auditor = auditor
	auditor.Start()
	defer auditor.Stop()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every request acts as an administrator")
	}

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler, api.RouterConfig{AllowedOrigins: cfg.CORSAllowedOrigins, JWTSecret: cfg.JWTSecret}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.RegisterOnShutdown(handler.CloseStreams)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

// openStore returns the configured store and its close func.
func openStore(ctx context.Context, cfg config.Config) (generic.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewTxMemory(), func() {}, nil

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("close sqlite", "err", err)
			}
		}, nil

	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverMongo:
		s, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				slog.Warn("close mongodb", "err", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
