// Package file implements the KV capability as a single JSON document.
// It has no external dependencies and is meant for development.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// Store keeps every entry in memory and rewrites the whole document on
// each write. The document is replaced with a rename, so a crash leaves
// either the old or the new file.
type Store struct {
	path   string
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type document struct {
	Entries map[string][]byte `json:"entries"`
}

// NewStore opens the document at path, creating its directory. A missing
// file is an empty store.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		path:   path,
		data:   map[string][]byte{},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		var doc document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if doc.Entries != nil {
			s.data = doc.Entries
		}
	}

	s.logger.Debug("file store opened", "path", path, "entries", len(s.data))
	return s, nil
}

// Read returns a copy of the value stored under key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, idperrors.Transient("file read cancelled", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, idperrors.Permanent("file store is closed", nil)
	}
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Write persists the new document before the in-memory copy changes, so
// readers never see a value that is not on disk.
func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return idperrors.Transient("file write cancelled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return idperrors.Permanent("file store is closed", nil)
	}

	next := make(map[string][]byte, len(s.data)+1)
	for k, v := range s.data {
		next[k] = v
	}
	next[key] = append([]byte(nil), value...)

	if err := s.persist(next); err != nil {
		return idperrors.Permanent("file write failed", err)
	}
	s.data = next
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return idperrors.Permanent("file store is closed", nil)
	}
	return ctx.Err()
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *Store) persist(entries map[string][]byte) error {
	data, err := json.MarshalIndent(document{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
