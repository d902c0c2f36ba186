package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/fintrack/pkg/config"
	"github.com/mcclellann/fintrack/pkg/events"
	"github.com/mcclellann/fintrack/pkg/ledger"
	"github.com/mcclellann/fintrack/pkg/logging"
	"github.com/mcclellann/fintrack/pkg/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. Storage, event publishing and the background
reconciliation interval are configured from the environment (and .env).`,
	RunE: runServe,
}

// loadConfig reads and validates the environment, then installs the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, logger, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Storage, error) {
	logger = logging.WithComponent(logger, logging.ComponentStorage)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.DBMaxConns),
		})
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; data is lost on exit")
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.SQLiteDBPath)
	}
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	logger = logging.WithComponent(logger, logging.ComponentEvents)
	if cfg.AMQPURL == "" {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, base, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.WithComponent(base, logging.ComponentApp)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage(ctx, cfg, base)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.StorageBackend, err)
	}
	defer storage.Close()

	publisher, err := newPublisher(cfg, base)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publisher.Close()

	l := ledger.NewLedger(storage, publisher, base)
	server := NewServer(l, storage, base)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting",
			logging.FieldOperation, logging.OpStartup,
			"port", cfg.Port,
			"storage", cfg.StorageBackend,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			runReconcileLoop(gctx, l, cfg.ReconcileInterval, base)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", logging.FieldOperation, logging.OpShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", logging.FieldError, err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// runReconcileLoop replays every loan's ledger on each tick until ctx ends.
func runReconcileLoop(ctx context.Context, l *ledger.Ledger, interval time.Duration, logger *slog.Logger) {
	logger = logging.WithComponent(logger, logging.ComponentReconcile)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bad, err := l.ReconcileAll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("Reconciliation failed", logging.FieldOperation, logging.OpReconcile, logging.FieldError, err)
				}
				continue
			}
			if len(bad) > 0 {
				logger.Warn("Inconsistent loans found", logging.FieldOperation, logging.OpReconcile, "count", len(bad))
			}
		}
	}
}
