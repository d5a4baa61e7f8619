package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, database *DB, logger *zap.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(database.Pool())
	defer func() { _ = sqlDB.Close() }()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: logger.Sugar()})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

type gooseLogger struct {
	logger *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.logger.Errorf(format, v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) { l.logger.Infof(format, v...) }
