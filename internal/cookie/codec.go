package cookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tendant/simple-identity/internal/codec"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
)

// KeySize is the required length of the cookie signing key.
const KeySize = 32

const macSize = sha256.Size

// Codec signs and verifies refresh tokens. The encoded form is the CBOR
// payload followed by its HMAC-SHA256.
type Codec struct {
	key []byte
}

// NewCodec creates a Codec. The key is copied.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, idperrors.InvalidInput(fmt.Sprintf("cookie key must be %d bytes, got %d", KeySize, len(key)))
	}
	return &Codec{key: append([]byte(nil), key...)}, nil
}

// Encode serializes and signs tok.
func (c *Codec) Encode(tok RefreshToken) ([]byte, error) {
	if !tok.Kind.Valid() {
		return nil, idperrors.InvalidInput(fmt.Sprintf("unknown refresh token kind %d", uint8(tok.Kind)))
	}
	payload, err := codec.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh token: %w", err)
	}

	out := make([]byte, 0, len(payload)+macSize)
	out = append(out, payload...)
	return append(out, c.mac(payload)...), nil
}

// Decode verifies the MAC before looking at the payload. Any modification
// of the signed bytes is reported as cookie_tampered; bytes that carry a
// valid MAC but no valid token are cookie_malformed. Expiry is not checked.
func (c *Codec) Decode(data []byte) (*RefreshToken, error) {
	if len(data) <= macSize {
		return nil, idperrors.New(idperrors.CodeCookieMalformed, "cookie too short")
	}

	split := len(data) - macSize
	payload, sig := data[:split], data[split:]
	if !hmac.Equal(sig, c.mac(payload)) {
		return nil, idperrors.New(idperrors.CodeCookieTampered, "cookie signature mismatch")
	}

	var tok RefreshToken
	if err := codec.Unmarshal(payload, &tok); err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "cookie payload undecodable")
	}
	if !tok.Kind.Valid() {
		return nil, idperrors.New(idperrors.CodeCookieMalformed, "cookie carries unknown kind")
	}
	if _, err := identity.ParsePrincipal(tok.Principal); err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "cookie carries invalid principal")
	}
	return &tok, nil
}

// EncodeString returns the cookie value for tok.
func (c *Codec) EncodeString(tok RefreshToken) (string, error) {
	raw, err := c.Encode(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeString decodes a cookie value produced by EncodeString.
func (c *Codec) DecodeString(value string) (*RefreshToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "cookie is not base64url")
	}
	return c.Decode(raw)
}

func (c *Codec) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(payload)
	return h.Sum(nil)
}
