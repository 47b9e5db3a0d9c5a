// Package main is the entrypoint for notifyd, the escrow notification
// delivery daemon. It wires the Postgres-backed message store, the SNS and
// WhatsApp transports, the queue polling loop, the stuck-message reaper, the
// lifecycle event intake, and the operator HTTP surface, then runs until
// interrupted.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrownotify/internal/api"
	"escrownotify/internal/config"
	"escrownotify/internal/db"
	"escrownotify/internal/escrow"
	"escrownotify/internal/gateway"
	"escrownotify/internal/queue"
)

func main() {
	if err := run(); err != nil {
		slog.Error("notifyd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	sms, err := gateway.NewSNSSenderFromConfig(ctx, cfg.SMS, logger)
	if err != nil {
		return err
	}
	var whatsapp gateway.Transport
	if cfg.WhatsApp.AccessToken != "" && cfg.WhatsApp.PhoneNumberID != "" {
		whatsapp = gateway.NewWhatsAppSender(nil, cfg.WhatsApp, logger)
	}
	router := gateway.NewRouter(sms, whatsapp, logger)

	q := queue.New(queue.Config{
		Store:  db.NewQueueRepository(pool),
		Sender: router,
		Policy: queue.RetryPolicy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  cfg.Queue.BaseRetryDelay,
		},
		Logger:    logger,
		BatchSize: cfg.Queue.BatchSize,
	})
	reaper := queue.NewReaper(q, cfg.Queue.ProcessingTimeout, logger)

	integration := escrow.NewIntegration(escrow.Config{
		Queue:  q,
		Users:  db.NewUserRepository(pool),
		OTPs:   db.NewOTPRepository(pool),
		Logger: logger,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewServer(q, integration, logger).Handler(),
	}

	q.Start(cfg.Queue.PollInterval)
	reaper.Start(cfg.Queue.ReaperInterval)

	logger.Info("notifyd started",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"poll_interval", cfg.Queue.PollInterval,
		"batch_size", cfg.Queue.BatchSize,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		q.Stop()
		reaper.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("notifyd stopped")
	return nil
}

// newLogger builds the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newPool creates the pgx connection pool with the configured tuning and
// verifies connectivity before the service starts accepting work.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
