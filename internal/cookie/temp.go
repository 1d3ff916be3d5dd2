package cookie

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/tendant/simple-identity/internal/codec"
	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// digestTag separates temp token digests from any other use of the
// migration key.
var digestTag = []byte("temp-refresh-token/v1")

// TempRefreshToken carries a refresh token through a hop the server does
// not trust, such as a cross-origin redirect. Inner must not be trusted
// until Digest has been recomputed and matched.
type TempRefreshToken struct {
	Inner  RefreshToken `cbor:"1,keyasint" json:"inner"`
	Digest []byte       `cbor:"2,keyasint" json:"digest"`
}

// Migrator issues and validates TempRefreshTokens with a keyed BLAKE3 MAC.
// Its key is distinct from the cookie signing key.
type Migrator struct {
	key []byte
}

// NewMigrator creates a Migrator. The key must be 32 bytes.
func NewMigrator(key []byte) (*Migrator, error) {
	if len(key) != KeySize {
		return nil, idperrors.InvalidInput(fmt.Sprintf("migration key must be %d bytes, got %d", KeySize, len(key)))
	}
	return &Migrator{key: append([]byte(nil), key...)}, nil
}

// Issue wraps inner with its digest.
func (m *Migrator) Issue(inner RefreshToken) (*TempRefreshToken, error) {
	digest, err := m.digest(inner)
	if err != nil {
		return nil, err
	}
	return &TempRefreshToken{Inner: inner, Digest: digest}, nil
}

// Upgrade recomputes the digest over temp.Inner and returns the inner
// token only when it matches. Expiry is left to the caller.
func (m *Migrator) Upgrade(temp *TempRefreshToken) (RefreshToken, error) {
	if temp == nil {
		return RefreshToken{}, idperrors.New(idperrors.CodeDigestMismatch, "temp refresh token missing")
	}
	want, err := m.digest(temp.Inner)
	if err != nil {
		return RefreshToken{}, idperrors.Wrap(err, idperrors.CodeDigestMismatch, "temp refresh token undigestable")
	}
	if subtle.ConstantTimeCompare(want, temp.Digest) != 1 {
		return RefreshToken{}, idperrors.New(idperrors.CodeDigestMismatch, "temp refresh token digest mismatch")
	}
	return temp.Inner, nil
}

func (m *Migrator) digest(inner RefreshToken) ([]byte, error) {
	encoded, err := codec.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}
	hasher, err := blake3.NewKeyed(m.key)
	if err != nil {
		return nil, fmt.Errorf("blake3 keyed hash: %w", err)
	}
	hasher.Write(digestTag)
	hasher.Write(encoded)
	return hasher.Sum(nil), nil
}

// EncodeTemp returns the transport form of a temp token: base64url CBOR.
func EncodeTemp(temp *TempRefreshToken) (string, error) {
	raw, err := codec.Marshal(temp)
	if err != nil {
		return "", fmt.Errorf("failed to encode temp refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeTemp parses the transport form. It does not validate the digest.
func DecodeTemp(value string) (*TempRefreshToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "temp refresh token is not base64url")
	}
	var temp TempRefreshToken
	if err := codec.Unmarshal(raw, &temp); err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "temp refresh token undecodable")
	}
	return &temp, nil
}
