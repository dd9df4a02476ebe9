/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the session ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (file, .env, WELLNESS_* env)
  2. Set up logging and, when configured, OTLP tracing
  3. Open the store selected by storage.driver
  4. Start the notification dispatcher
  5. Build the state machine, service and HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML config file
  -port    HTTP server port, overrides http.addr
  -db      SQLite database path, overrides sqlite.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Deliver queued notifications
  4. Flush traces and close the store

EXAMPLES:
  ./server -db="./data/sessions.db"
  WELLNESS_STORAGE_DRIVER=postgres WELLNESS_POSTGRES_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/session-ledger/api"
	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/config"
	"github.com/warp/session-ledger/notify"
	"github.com/warp/session-ledger/store/memory"
	"github.com/warp/session-ledger/store/postgres"
	"github.com/warp/session-ledger/store/sqlite"
	"github.com/warp/session-ledger/telemetry"
)

// backend is what every storage driver provides.
type backend interface {
	booking.TxStore
	notify.Inbox
}

func main() {
	// Flags
	configPath := flag.String("config", "", "Optional config file (yaml)")
	port := flag.Int("port", 0, "HTTP server port (overrides http.addr)")
	dbPath := flag.String("db", "", "SQLite database path (overrides sqlite.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.SQLite.Path = *dbPath
	}

	log := telemetry.NewLogger(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "err", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
	}

	gateways := notify.Multi{notify.InboxGateway{Inbox: store}, notify.LogGateway{Log: log}}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramGateway(cfg.Notify.TelegramToken, cfg.Notify.TelegramChats)
		if err != nil {
			return fmt.Errorf("telegram gateway: %w", err)
		}
		gateways = append(gateways, tg)
	}
	dispatcher := notify.NewDispatcher(gateways, log, metrics)
	dispatcher.QueueSize = cfg.Notify.QueueSize
	if cfg.Notify.Timeout > 0 {
		dispatcher.Timeout = cfg.Notify.Timeout
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	handler := api.NewHandler(
		booking.NewStateMachine(store, log, metrics, dispatcher),
		booking.NewService(store),
		store,
		log,
	)
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), metricsHandler)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.HTTP.Addr, "driver", cfg.Storage.Driver, "env", cfg.App.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (backend, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		store, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, store.Close, nil

	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), func() {}, nil

	default:
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn("closing sqlite failed", "err", err)
			}
		}, nil
	}
}
