package cookie

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-identity/internal/codec"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func testPrincipal(t *testing.T) string {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	return key.Principal().String()
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey(0x11))
	require.NoError(t, err)
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	principal := testPrincipal(t)

	for _, kind := range []Kind{Temporary, Upgraded} {
		tok := NewRefreshToken(principal, kind, now, time.Hour)
		raw, err := c.Encode(tok)
		require.NoError(t, err)

		got, err := c.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, tok, *got)
	}
}

func TestCodecEveryBitFlipIsTampered(t *testing.T) {
	c := newTestCodec(t)
	raw, err := c.Encode(NewRefreshToken(testPrincipal(t), Upgraded, now, time.Hour))
	require.NoError(t, err)

	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := bytes.Clone(raw)
			flipped[i] ^= 1 << bit

			_, err := c.Decode(flipped)
			if !idperrors.IsCode(err, idperrors.CodeCookieTampered) {
				t.Fatalf("byte %d bit %d: got %v, want cookie_tampered", i, bit, err)
			}
		}
	}
}

func TestCodecWrongKeyIsTampered(t *testing.T) {
	c := newTestCodec(t)
	raw, err := c.Encode(NewRefreshToken(testPrincipal(t), Temporary, now, time.Hour))
	require.NoError(t, err)

	other, err := NewCodec(testKey(0x22))
	require.NoError(t, err)

	_, err = other.Decode(raw)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieTampered))
}

func TestCodecMalformed(t *testing.T) {
	c := newTestCodec(t)

	t.Run("too short", func(t *testing.T) {
		_, err := c.Decode(make([]byte, macSize))
		assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieMalformed))
	})

	t.Run("signed garbage", func(t *testing.T) {
		payload := []byte{0xff, 0x00, 0x13}
		raw := append(bytes.Clone(payload), c.mac(payload)...)
		_, err := c.Decode(raw)
		assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieMalformed))
	})

	t.Run("signed unknown kind", func(t *testing.T) {
		payload, err := codec.Marshal(RefreshToken{Principal: testPrincipal(t), ExpiryEpochMs: 1, Kind: 9})
		require.NoError(t, err)
		raw := append(payload, c.mac(payload)...)
		_, err = c.Decode(raw)
		assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieMalformed))
	})

	t.Run("signed bad principal", func(t *testing.T) {
		payload, err := codec.Marshal(RefreshToken{Principal: "not-a-principal", ExpiryEpochMs: 1, Kind: Upgraded})
		require.NoError(t, err)
		raw := append(payload, c.mac(payload)...)
		_, err = c.Decode(raw)
		assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieMalformed))
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := c.DecodeString("!!!")
		assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieMalformed))
	})
}

func TestCodecEncodeRejectsUnknownKind(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Encode(RefreshToken{Principal: testPrincipal(t), Kind: 0})
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestNewCodecKeySize(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestRefreshTokenExpiryBoundary(t *testing.T) {
	tok := RefreshToken{ExpiryEpochMs: uint64(now.UnixMilli()), Kind: Temporary}

	assert.True(t, tok.Expired(now), "expired at the expiry instant")
	assert.False(t, tok.Expired(now.Add(-time.Millisecond)), "valid one millisecond before")
	assert.True(t, tok.Expired(now.Add(time.Millisecond)))
}

func TestRefreshTokenExpiresAtClampsOverflow(t *testing.T) {
	tok := RefreshToken{ExpiryEpochMs: math.MaxUint64}
	assert.True(t, tok.ExpiresAt().After(now))
	assert.Equal(t, time.UnixMilli(math.MaxInt64), tok.ExpiresAt())
}

func TestExpiredTokenStillDecodes(t *testing.T) {
	c := newTestCodec(t)
	tok := NewRefreshToken(testPrincipal(t), Temporary, now, time.Minute)
	s, err := c.EncodeString(tok)
	require.NoError(t, err)

	got, err := c.DecodeString(s)
	require.NoError(t, err)
	assert.True(t, got.Expired(now.Add(time.Hour)))
}

func TestKindText(t *testing.T) {
	for _, kind := range []Kind{Temporary, Upgraded} {
		text, err := kind.MarshalText()
		require.NoError(t, err)

		var got Kind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, kind, got)
	}

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("permanent")))
	_, err := Kind(7).MarshalText()
	assert.Error(t, err)
}
