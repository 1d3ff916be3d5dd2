package provider

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// JWKS represents a JSON Web Key Set published by a provider.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key (public RSA keys only).
type JWK struct {
	Kty string `json:"kty"` // Key type: "RSA"
	Use string `json:"use"` // Key use: "sig"
	Kid string `json:"kid"` // Key ID
	Alg string `json:"alg"` // Algorithm: "RS256"
	N   string `json:"n"`   // RSA modulus (base64url)
	E   string `json:"e"`   // RSA exponent (base64url)
}

// KeySet holds a provider's verification keys by key ID.
type KeySet struct {
	keys map[string]*rsa.PublicKey
}

// Lookup returns the key with the given ID.
func (s *KeySet) Lookup(kid string) (*rsa.PublicKey, bool) {
	key, ok := s.keys[kid]
	return key, ok
}

// Len returns the number of usable keys.
func (s *KeySet) Len() int {
	return len(s.keys)
}

// ParseJWKS parses a JWKS document. Keys that are not RSA signing keys
// are skipped; a document with no usable key is an error.
func ParseJWKS(data []byte) (*KeySet, error) {
	var doc JWKS
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse jwks: %w", err)
	}

	set := &KeySet{keys: make(map[string]*rsa.PublicKey, len(doc.Keys))}
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		if jwk.Kid == "" {
			return nil, fmt.Errorf("jwks key without kid")
		}
		key, err := jwk.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("jwks key %s: %w", jwk.Kid, err)
		}
		set.keys[jwk.Kid] = key
	}

	if len(set.keys) == 0 {
		return nil, fmt.Errorf("jwks has no RSA signing keys")
	}
	return set, nil
}

// LoadJWKSFile reads and parses a JWKS document from disk.
func LoadJWKSFile(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks file: %w", err)
	}
	return ParseJWKS(data)
}

// PublicKey decodes the RSA public key.
func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	exponent := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid rsa parameters")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(exponent.Int64()),
	}, nil
}

// ToJWK converts an RSA public key to a JWK.
func ToJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
