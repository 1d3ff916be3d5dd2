package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

func TestGenerateAndSign(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	msg := []byte("delegation payload")
	sig, err := key.Sign(msg)
	require.NoError(t, err)

	assert.True(t, ed25519.Verify(key.PublicKey(), msg, sig))
	assert.True(t, Verify(key.PublicKeyDER(), msg, sig))
	assert.False(t, Verify(key.PublicKeyDER(), []byte("other"), sig))
}

func TestPublicKeyDERMatchesX509(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	want, err := x509.MarshalPKIXPublicKey(key.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, want, key.PublicKeyDER())

	pub, err := ParsePublicKeyDER(key.PublicKeyDER())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pub)
}

func TestParsePublicKeyDERRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKeyDER([]byte{1, 2, 3})
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestFromSeedRoundTrip(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	restored, err := FromSeed(key.Seed())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), restored.PublicKey())
	assert.True(t, key.Principal().Equal(restored.Principal()))

	_, err = FromSeed([]byte("short"))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestSignCorruptKey(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	corrupt := ed25519.PrivateKey(append([]byte(nil), key.priv...))
	corrupt[len(corrupt)-1] ^= 0xff

	_, err = FromPrivateKey(corrupt).Sign([]byte("x"))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeSigning))

	_, err = FromPrivateKey(ed25519.PrivateKey{1, 2, 3}).Sign([]byte("x"))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeSigning))
}
