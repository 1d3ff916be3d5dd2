// Package badger implements the KV capability on an embedded Badger
// LSM store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// Store is a KV backed by a Badger database.
type Store struct {
	db       *badger.DB
	inMemory bool
	logger   *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithInMemory keeps all data in memory. Used by tests.
func WithInMemory() Option {
	return func(s *Store) {
		s.inMemory = true
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens or creates a Badger database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	options := badger.DefaultOptions(dir).WithLogger(nil)
	if s.inMemory {
		options = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	s.db = db

	s.logger.Debug("badger store opened", "dir", dir, "in_memory", s.inMemory)
	return s, nil
}

// Read returns the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.run(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			value, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, classify("read", err)
	}
	return value, found, nil
}

// Write stores value under key in its own transaction.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	err := s.run(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), value)
		})
	})
	if err != nil {
		return classify("write", err)
	}
	return nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return idperrors.Permanent("badger database is closed", nil)
	}
	return ctx.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// run executes the synchronous Badger call on its own goroutine so the
// caller can stop waiting when ctx ends. The call itself is not aborted.
func (s *Store) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict),
		errors.Is(err, badger.ErrBlockedWrites),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return idperrors.Transient("badger "+op+" failed", err)
	default:
		return idperrors.Permanent("badger "+op+" failed", err)
	}
}
