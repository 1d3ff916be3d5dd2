package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-identity/internal/store/badger"
	"github.com/tendant/simple-identity/internal/store/file"
	"github.com/tendant/simple-identity/internal/store/postgres"
	"github.com/tendant/simple-identity/internal/store/sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend          Backend
	SQLitePath       string
	BadgerDir        string
	FilePath         string
	PostgresDSN      string
	PostgresMaxConns int32
}

// Open opens the configured backend and wraps it with instrumentation.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (KV, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		kv  KV
		err error
	)
	switch cfg.Backend {
	case BackendSQLite:
		kv, err = sqlite.Open(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
	case BackendBadger:
		kv, err = badger.Open(cfg.BadgerDir, badger.WithLogger(logger))
	case BackendPostgres:
		kv, err = postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithMaxConns(cfg.PostgresMaxConns),
			postgres.WithLogger(logger),
		)
	case BackendFile:
		kv, err = file.NewStore(cfg.FilePath, file.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s kv backend: %w", cfg.Backend, err)
	}

	logger.Info("kv backend opened", "backend", cfg.Backend)
	return Instrument(kv, cfg.Backend, logger), nil
}
