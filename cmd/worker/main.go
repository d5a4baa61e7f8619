// Command worker runs delivery workers and the retention janitor without the
// HTTP API. Run as many replicas as needed; claims are conditional so each
// entry is delivered by exactly one of them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/app"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store == "memory" {
		return fmt.Errorf("standalone worker needs a shared store, STORE=memory is gateway only")
	}
	cfg.WorkerEnabled = true

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "courier-worker")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	stop, err := pipeline.RunBackground(ctx)
	if err != nil {
		return err
	}

	// Metrics only; the worker serves no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("courier worker running",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("batch_size", cfg.WorkerBatchSize),
		zap.String("metrics_addr", srv.Addr),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received, draining in-flight deliveries", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	stop()
	logger.Info("worker stopped")
	return nil
}
