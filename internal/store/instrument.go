package store

import (
	"context"
	"log/slog"
	"time"

	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/metrics"
)

type instrumented struct {
	kv      KV
	backend string
	logger  *slog.Logger
}

// Instrument wraps kv so every operation is counted, timed and, on
// failure, logged.
func Instrument(kv KV, backend Backend, logger *slog.Logger) KV {
	if logger == nil {
		logger = slog.Default()
	}
	return &instrumented{kv: kv, backend: string(backend), logger: logger}
}

func (i *instrumented) Read(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := i.kv.Read(ctx, key)

	result := "ok"
	switch {
	case err != nil:
		result = i.failed(ctx, "read", key, err)
	case !ok:
		result = "miss"
	}
	metrics.RecordKVOperation(i.backend, "read", result, time.Since(start))
	return value, ok, err
}

func (i *instrumented) Write(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.kv.Write(ctx, key, value)

	result := "ok"
	if err != nil {
		result = i.failed(ctx, "write", key, err)
	}
	metrics.RecordKVOperation(i.backend, "write", result, time.Since(start))
	return err
}

func (i *instrumented) Ping(ctx context.Context) error {
	return i.kv.Ping(ctx)
}

func (i *instrumented) Close() error {
	return i.kv.Close()
}

func (i *instrumented) failed(ctx context.Context, op, key string, err error) string {
	code := idperrors.Code(err)
	i.logger.WarnContext(ctx, "kv operation failed",
		"backend", i.backend,
		"op", op,
		"key", key,
		"code", code,
		"error", err,
	)
	return code
}
