// Package identity provides the key material that backs delegated
// identities and the principal derived from it.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// SeedSize is the size of the private seed persisted for a key.
const SeedSize = ed25519.SeedSize

// derPrefix is the SubjectPublicKeyInfo header for an Ed25519 key
// (RFC 8410). Every DER-encoded Ed25519 public key is this prefix followed
// by the 32 raw key bytes.
var derPrefix = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}

// DERKeySize is the length of a DER-encoded Ed25519 public key.
var DERKeySize = len(derPrefix) + ed25519.PublicKeySize

// KeyMaterial wraps an Ed25519 keypair able to sign delegation payloads.
type KeyMaterial struct {
	priv ed25519.PrivateKey
}

// Generate creates fresh key material from crypto/rand.
func Generate() (*KeyMaterial, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &KeyMaterial{priv: priv}, nil
}

// FromSeed restores key material from its 32-byte seed.
func FromSeed(seed []byte) (*KeyMaterial, error) {
	if len(seed) != SeedSize {
		return nil, idperrors.InvalidInput(fmt.Sprintf("seed must be %d bytes, got %d", SeedSize, len(seed)))
	}
	return &KeyMaterial{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// FromPrivateKey wraps an existing private key without validating it.
// A corrupt key is reported when it is first used to sign.
func FromPrivateKey(priv ed25519.PrivateKey) *KeyMaterial {
	return &KeyMaterial{priv: priv}
}

// Seed returns a copy of the private seed.
func (k *KeyMaterial) Seed() []byte {
	return bytes.Clone(k.priv.Seed())
}

// PublicKey returns the raw Ed25519 public key.
func (k *KeyMaterial) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(bytes.Clone(k.priv[ed25519.SeedSize:]))
}

// PublicKeyDER returns the DER SubjectPublicKeyInfo encoding of the public key.
func (k *KeyMaterial) PublicKeyDER() []byte {
	return MarshalPublicKeyDER(k.PublicKey())
}

// Principal returns the self-authenticating principal of this key.
func (k *KeyMaterial) Principal() Principal {
	return SelfAuthenticating(k.PublicKeyDER())
}

// Sign signs msg. It fails with a signing error when the key is not a
// well-formed Ed25519 private key, i.e. its embedded public half does not
// match the one derived from its seed.
func (k *KeyMaterial) Sign(msg []byte) ([]byte, error) {
	if len(k.priv) != ed25519.PrivateKeySize {
		return nil, idperrors.Signing(fmt.Sprintf("bad ed25519 private key size %d", len(k.priv)), nil)
	}
	derived := ed25519.NewKeyFromSeed(k.priv.Seed())
	if !bytes.Equal(derived[ed25519.SeedSize:], k.priv[ed25519.SeedSize:]) {
		return nil, idperrors.Signing("ed25519 private key is corrupt", nil)
	}
	return ed25519.Sign(k.priv, msg), nil
}

// MarshalPublicKeyDER encodes a raw Ed25519 public key as DER.
func MarshalPublicKeyDER(pub ed25519.PublicKey) []byte {
	der := make([]byte, 0, DERKeySize)
	der = append(der, derPrefix...)
	return append(der, pub...)
}

// ParsePublicKeyDER decodes a DER-encoded Ed25519 public key.
func ParsePublicKeyDER(der []byte) (ed25519.PublicKey, error) {
	if len(der) != DERKeySize || !bytes.HasPrefix(der, derPrefix) {
		return nil, idperrors.InvalidInput("not a DER-encoded ed25519 public key")
	}
	return ed25519.PublicKey(bytes.Clone(der[len(derPrefix):])), nil
}

// Verify checks sig over msg against a DER-encoded public key.
func Verify(der, msg, sig []byte) bool {
	pub, err := ParsePublicKeyDER(der)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
