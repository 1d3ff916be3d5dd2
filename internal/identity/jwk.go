package identity

import (
	"bytes"
	"encoding/base64"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

const (
	// KeyType is the JWK key type for Ed25519 keys.
	KeyType = "OKP"
	// Curve is the JWK curve name for Ed25519 keys.
	Curve = "Ed25519"
)

// Secret is the JWK encoding of private key material handed to the
// browser. D is the private seed and X the public key, both base64url.
type Secret struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d"`
}

// Secret exports the key material as a JWK.
func (k *KeyMaterial) Secret() Secret {
	return Secret{
		Kty: KeyType,
		Crv: Curve,
		X:   base64.RawURLEncoding.EncodeToString(k.PublicKey()),
		D:   base64.RawURLEncoding.EncodeToString(k.Seed()),
	}
}

// FromSecret restores key material from a JWK. The public half, when
// present, must match the one derived from the seed.
func FromSecret(s Secret) (*KeyMaterial, error) {
	if s.Kty != KeyType || s.Crv != Curve {
		return nil, idperrors.InvalidInput("secret is not an Ed25519 OKP key")
	}
	seed, err := base64.RawURLEncoding.DecodeString(s.D)
	if err != nil {
		return nil, idperrors.InvalidInput("secret d is not base64url")
	}
	key, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if s.X != "" {
		x, err := base64.RawURLEncoding.DecodeString(s.X)
		if err != nil {
			return nil, idperrors.InvalidInput("secret x is not base64url")
		}
		if !bytes.Equal(x, key.PublicKey()) {
			return nil, idperrors.InvalidInput("secret x does not match d")
		}
	}
	return key, nil
}
