package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "courier-migrator")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dbConfig := cfg.DBConfig()
	dbConfig.AppName = "courier-migrator"
	dbConfig.MaxConns = 2
	dbConfig.MinConns = 1

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("applying migrations", zap.String("database", cfg.DBName))
	if err := db.Migrate(ctx, database, logger); err != nil {
		return err
	}
	return nil
}
