// Package store defines the key/value capability that holds server-side
// secret material, the record format stored in it, and backend selection.
package store

import (
	"context"

	"github.com/tendant/simple-identity/internal/identity"
)

// KV is the capability every backend provides. Implementations must be
// safe for concurrent use. Writes are last-writer-wins and atomic: a
// reader sees either the previous value or the new one, never a mix.
//
// Backend failures are reported as kv_transient or kv_permanent errors.
type KV interface {
	// Read returns the value stored under key. A missing key is
	// (nil, false, nil).
	Read(ctx context.Context, key string) ([]byte, bool, error)
	// Write stores value under key, replacing any previous value.
	Write(ctx context.Context, key string, value []byte) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources.
	Close() error
}

// Backend names a KV implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
	BackendFile     Backend = "file"
)

// Backends lists the supported backends.
var Backends = []Backend{BackendSQLite, BackendBadger, BackendPostgres, BackendFile}

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	for _, known := range Backends {
		if b == known {
			return true
		}
	}
	return false
}

// PrincipalKey is the KV key holding the root secret of a principal.
func PrincipalKey(p identity.Principal) string {
	return p.String()
}

// ProviderKey is the KV key linking an external provider account to the
// root secret it logs in as.
func ProviderKey(issuer, subject string) string {
	return "oauth:" + issuer + ":" + subject
}
