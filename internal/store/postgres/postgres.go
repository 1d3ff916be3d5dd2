// Package postgres implements the KV capability on PostgreSQL through a
// pgx connection pool, for deployments where several server instances
// share session state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS identity_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsert = `
INSERT INTO identity_kv (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

// Store is a KV backed by a PostgreSQL table.
type Store struct {
	pool     *pgxpool.Pool
	maxConns int32
	logger   *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) Option {
	return func(s *Store) {
		s.maxConns = n
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	s.pool = pool

	s.logger.Info("postgres store opened",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"max_conns", cfg.MaxConns,
	)
	return s, nil
}

// Read returns the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM identity_kv WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("read", err)
	}
	return value, true, nil
}

// Write upserts value under key.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if _, err := s.pool.Exec(ctx, upsert, key, value); err != nil {
		return classify("write", err)
	}
	return nil
}

// Ping checks a pooled connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// transientClasses are SQLSTATE classes worth retrying: connection
// exceptions, transaction rollbacks and insufficient resources.
var transientClasses = []string{"08", "40", "53"}

func classify(op string, err error) error {
	if isTransient(err) {
		return idperrors.Transient("postgres "+op+" failed", err)
	}
	return idperrors.Permanent("postgres "+op+" failed", err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "57P03" { // cannot_connect_now
			return true
		}
		for _, class := range transientClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
