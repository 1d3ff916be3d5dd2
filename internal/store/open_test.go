package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

func TestOpenEmbeddedBackends(t *testing.T) {
	dir := t.TempDir()
	configs := []Config{
		{Backend: BackendFile, FilePath: filepath.Join(dir, "kv.json")},
		{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "identity.db")},
		{Backend: BackendBadger, BadgerDir: filepath.Join(dir, "badger")},
	}

	for _, cfg := range configs {
		t.Run(string(cfg.Backend), func(t *testing.T) {
			ctx := context.Background()
			kv, err := Open(ctx, cfg, nil)
			require.NoError(t, err)
			defer kv.Close()

			require.NoError(t, kv.Ping(ctx))
			require.NoError(t, kv.Write(ctx, "k", []byte("v")))

			got, ok, err := kv.Read(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "redis"}, nil)
	assert.Error(t, err)
}

func TestOpenPostgresWithoutDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: BackendPostgres}, nil)
	assert.Error(t, err)
}

type failingKV struct{ err error }

func (f failingKV) Read(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingKV) Write(context.Context, string, []byte) error        { return f.err }
func (f failingKV) Ping(context.Context) error                         { return f.err }
func (f failingKV) Close() error                                       { return nil }

func TestInstrumentPassesErrorsThrough(t *testing.T) {
	want := idperrors.Transient("backend busy", errors.New("busy"))
	kv := Instrument(failingKV{err: want}, BackendSQLite, nil)

	_, _, err := kv.Read(context.Background(), "k")
	assert.True(t, idperrors.IsTransient(err))

	err = kv.Write(context.Background(), "k", nil)
	assert.ErrorIs(t, err, want)
}
