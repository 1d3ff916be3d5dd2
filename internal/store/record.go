package store

import (
	"context"
	"log/slog"

	"github.com/tendant/simple-identity/internal/clock"
	"github.com/tendant/simple-identity/internal/codec"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
	"github.com/tendant/simple-identity/internal/sealed"
)

const recordVersion = 1

type secretRecord struct {
	Version     uint8  `cbor:"v"`
	Secret      []byte `cbor:"secret"`
	CreatedAtMs uint64 `cbor:"created_at_ms"`
}

// SecretRepository stores key material in a KV backend, optionally sealed
// with age.
type SecretRepository struct {
	kv     KV
	sealer *sealed.Sealer
	clock  clock.Clock
	logger *slog.Logger
}

// RepositoryOption configures the SecretRepository.
type RepositoryOption func(*SecretRepository)

// WithSealer seals every written record. Plain records are still readable.
func WithSealer(s *sealed.Sealer) RepositoryOption {
	return func(r *SecretRepository) {
		r.sealer = s
	}
}

// WithClock sets the time source for record timestamps.
func WithClock(c clock.Clock) RepositoryOption {
	return func(r *SecretRepository) {
		r.clock = c
	}
}

// WithLogger sets the logger for the repository.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(r *SecretRepository) {
		r.logger = logger
	}
}

// NewSecretRepository creates a SecretRepository over kv.
func NewSecretRepository(kv KV, opts ...RepositoryOption) *SecretRepository {
	r := &SecretRepository{
		kv:     kv,
		clock:  clock.Real(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Get loads the key material stored under key. A missing record is
// (nil, false, nil); an unreadable one is kv_deserialize.
func (r *SecretRepository) Get(ctx context.Context, key string) (*identity.KeyMaterial, bool, error) {
	value, ok, err := r.kv.Read(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	if sealed.IsSealed(value) {
		if r.sealer == nil {
			return nil, false, idperrors.New(idperrors.CodeKVDeserialize, "record is sealed but no sealing identity is configured")
		}
		value, err = r.sealer.Open(value)
		if err != nil {
			return nil, false, idperrors.Wrap(err, idperrors.CodeKVDeserialize, "failed to unseal record")
		}
	}

	var rec secretRecord
	if err := codec.Unmarshal(value, &rec); err != nil {
		return nil, false, idperrors.Wrap(err, idperrors.CodeKVDeserialize, "failed to decode record")
	}
	if rec.Version != recordVersion {
		return nil, false, idperrors.New(idperrors.CodeKVDeserialize, "unsupported record version")
	}

	km, err := identity.FromSeed(rec.Secret)
	if err != nil {
		return nil, false, idperrors.Wrap(err, idperrors.CodeKVDeserialize, "record holds invalid key material")
	}
	return km, true, nil
}

// Put stores km under key, replacing any previous record.
func (r *SecretRepository) Put(ctx context.Context, key string, km *identity.KeyMaterial) error {
	value, err := codec.Marshal(secretRecord{
		Version:     recordVersion,
		Secret:      km.Seed(),
		CreatedAtMs: uint64(r.clock.Now().UnixMilli()),
	})
	if err != nil {
		return idperrors.Internal("failed to encode record", err)
	}

	if r.sealer != nil {
		value, err = r.sealer.Seal(value)
		if err != nil {
			return idperrors.Internal("failed to seal record", err)
		}
	}

	if err := r.kv.Write(ctx, key, value); err != nil {
		return err
	}
	r.logger.Debug("secret stored", "key", key, "sealed", r.sealer != nil)
	return nil
}
