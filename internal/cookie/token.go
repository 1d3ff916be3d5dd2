// Package cookie encodes the refresh token carried in the session cookie,
// its MAC-protected temporary variant, and the HTTP helpers that set and
// read it.
package cookie

import (
	"fmt"
	"math"
	"time"
)

// Kind is the state a refresh token advertises.
type Kind uint8

const (
	// Temporary marks an anonymous session whose secret is held by the client.
	Temporary Kind = 1
	// Upgraded marks a session whose secret is persisted server-side.
	Upgraded Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Temporary:
		return "temporary"
	case Upgraded:
		return "upgraded"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Temporary || k == Upgraded
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown refresh token kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "temporary":
		*k = Temporary
	case "upgraded":
		*k = Upgraded
	default:
		return fmt.Errorf("unknown refresh token kind %q", text)
	}
	return nil
}

// RefreshToken is the server-issued credential carried in the session
// cookie. Tokens are replaced, never modified in place.
type RefreshToken struct {
	Principal     string `cbor:"1,keyasint" json:"principal"`
	ExpiryEpochMs uint64 `cbor:"2,keyasint" json:"expiry_epoch_ms"`
	Kind          Kind   `cbor:"3,keyasint" json:"kind"`
}

// NewRefreshToken builds a token for principal that expires ttl after now.
func NewRefreshToken(principal string, kind Kind, now time.Time, ttl time.Duration) RefreshToken {
	return RefreshToken{
		Principal:     principal,
		ExpiryEpochMs: uint64(now.Add(ttl).UnixMilli()),
		Kind:          kind,
	}
}

// ExpiresAt returns the expiry as a time, clamped to the int64
// millisecond range.
func (t RefreshToken) ExpiresAt() time.Time {
	if t.ExpiryEpochMs > math.MaxInt64 {
		return time.UnixMilli(math.MaxInt64)
	}
	return time.UnixMilli(int64(t.ExpiryEpochMs))
}

// Expired reports whether the token has expired at now. A token is
// expired from its expiry millisecond onwards.
func (t RefreshToken) Expired(now time.Time) bool {
	return uint64(now.UnixMilli()) >= t.ExpiryEpochMs
}
