package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-identity/internal/clock"
	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/delegation"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
	"github.com/tendant/simple-identity/internal/provider"
	"github.com/tendant/simple-identity/internal/store"
	"github.com/tendant/simple-identity/internal/store/file"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingKV counts writes and runs a hook before each one.
type recordingKV struct {
	store.KV
	mu      sync.Mutex
	writes  map[string]int
	onWrite func(key string)
}

func (k *recordingKV) Write(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	k.writes[key]++
	hook := k.onWrite
	k.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return k.KV.Write(ctx, key, value)
}

type testEnv struct {
	svc      *Service
	clock    *clock.FakeClock
	kv       *recordingKV
	secrets  *store.SecretRepository
	codec    *cookie.Codec
	migrator *cookie.Migrator
}

func setupService(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	fs, err := file.NewStore(filepath.Join(t.TempDir(), "kv.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	kv := &recordingKV{KV: fs, writes: map[string]int{}}

	codec, err := cookie.NewCodec(bytes.Repeat([]byte{0x01}, cookie.KeySize))
	require.NoError(t, err)
	migrator, err := cookie.NewMigrator(bytes.Repeat([]byte{0x02}, cookie.KeySize))
	require.NoError(t, err)

	clk := clock.Fake(epoch)
	secrets := store.NewSecretRepository(kv, store.WithClock(clk))
	builder := delegation.NewBuilder(delegation.WithClock(clk))

	opts = append([]Option{WithClock(clk)}, opts...)
	svc := NewService(cookie.NewJar(codec, cookie.WithSecure(false)), migrator, builder, secrets, opts...)

	return &testEnv{svc: svc, clock: clk, kv: kv, secrets: secrets, codec: codec, migrator: migrator}
}

// requestWith returns a request carrying the cookies set on rec.
func requestWith(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if rec == nil {
		return req
	}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
	return req
}

func sessionCookie(t *testing.T, env *testEnv, rec *httptest.ResponseRecorder) *cookie.RefreshToken {
	t.Helper()
	tok, err := cookie.NewJar(env.codec).Read(requestWith(rec))
	require.NoError(t, err)
	return tok
}

// anonymousSession runs the first-visit flow and returns the client-held
// secret and the response carrying its Temporary cookie.
func anonymousSession(t *testing.T, env *testEnv) (identity.Secret, *httptest.ResponseRecorder) {
	t.Helper()
	ctx := context.Background()

	anon, err := env.svc.GenerateAnonymousIdentityIfRequired(ctx, requestWith(nil))
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.Empty(t, anon.Reset)

	rec := httptest.NewRecorder()
	require.NoError(t, env.svc.SetAnonymousIdentityCookie(ctx, rec, anon.Secret))
	return anon.Secret, rec
}

func principalOf(t *testing.T, secret identity.Secret) identity.Principal {
	t.Helper()
	km, err := identity.FromSecret(secret)
	require.NoError(t, err)
	return km.Principal()
}

func TestAnonymousFirstVisit(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	secret, rec := anonymousSession(t, env)

	tok := sessionCookie(t, env, rec)
	require.NotNil(t, tok)
	assert.Equal(t, cookie.Temporary, tok.Kind)
	assert.Equal(t, principalOf(t, secret).String(), tok.Principal)
	assert.Equal(t, uint64(epoch.Add(DefaultRefreshTTL).UnixMilli()), tok.ExpiryEpochMs)

	again, err := env.svc.GenerateAnonymousIdentityIfRequired(ctx, requestWith(rec))
	require.NoError(t, err)
	assert.Nil(t, again, "a valid cookie needs no new identity")

	wire, err := env.svc.ExtractIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	assert.Nil(t, wire, "temporary sessions have no server-held secret")

	assert.Empty(t, env.kv.writes, "anonymous sessions must not touch the KV store")
}

func TestGenerateAfterCookieExpiry(t *testing.T) {
	env := setupService(t, WithRefreshTTL(time.Hour))
	_, rec := anonymousSession(t, env)

	env.clock.Advance(time.Hour)
	anon, err := env.svc.GenerateAnonymousIdentityIfRequired(context.Background(), requestWith(rec))
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.Empty(t, anon.Reset, "an expired cookie is not a reset")
}

func TestGenerateReportsTamperedCookie(t *testing.T) {
	env := setupService(t)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookie.DefaultName, Value: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})

	anon, err := env.svc.GenerateAnonymousIdentityIfRequired(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, anon)
	assert.True(t, idperrors.IsCookieError(idperrors.New(anon.Reset, "")), "reset code %q", anon.Reset)
	assert.NotEqual(t, idperrors.CodeCookieExpired, anon.Reset)

	_, err = env.svc.ExtractIdentity(context.Background(), req)
	assert.True(t, idperrors.IsCookieError(err), "extract surfaces cookie errors: %v", err)
}

func TestSetAnonymousCookieRejectsBadSecret(t *testing.T) {
	env := setupService(t)
	err := env.svc.SetAnonymousIdentityCookie(context.Background(), httptest.NewRecorder(), identity.Secret{Kty: "RSA"})
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestUpgradeFlow(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)
	principal := principalOf(t, secret)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)
	assert.Equal(t, principal.String(), temp.Inner.Principal)
	assert.Equal(t, uint64(epoch.Add(DefaultTempTokenTTL).UnixMilli()), temp.Inner.ExpiryEpochMs)

	rec := httptest.NewRecorder()
	wire, err := env.svc.UpgradeTempRefreshToken(ctx, rec, temp, secret)
	require.NoError(t, err)
	require.NotNil(t, wire)
	require.NoError(t, wire.Verify(env.clock.Now()))

	root, err := wire.Principal()
	require.NoError(t, err)
	assert.True(t, root.Equal(principal))

	tok := sessionCookie(t, env, rec)
	require.NotNil(t, tok)
	assert.Equal(t, cookie.Upgraded, tok.Kind)
	assert.Equal(t, principal.String(), tok.Principal)

	stored, ok, err := env.secrets.Get(ctx, store.PrincipalKey(principal))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Principal().Equal(principal))

	env.clock.Advance(time.Hour)
	extracted, err := env.svc.ExtractIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	require.NotNil(t, extracted)
	require.NoError(t, extracted.Verify(env.clock.Now()))
	assert.Equal(t, wire.FromKey, extracted.FromKey)
	assert.NotEqual(t, wire.ToSecret, extracted.ToSecret, "every extraction delegates to a fresh key")

	want := uint64(env.clock.Now().Add(delegation.DefaultSessionMaxAge).UnixNano())
	assert.Equal(t, want, extracted.Delegations[0].Delegation.Expiration)
}

func TestUpgradeWritesBeforeCookie(t *testing.T) {
	env := setupService(t)
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(context.Background(), requestWith(anonRec))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	var cookiesAtWrite []string
	env.kv.onWrite = func(string) {
		cookiesAtWrite = append(cookiesAtWrite, rec.Header().Values("Set-Cookie")...)
	}

	_, err = env.svc.UpgradeTempRefreshToken(context.Background(), rec, temp, secret)
	require.NoError(t, err)

	assert.Empty(t, cookiesAtWrite, "no cookie may be set before the secret is stored")
	assert.NotEmpty(t, rec.Header().Values("Set-Cookie"))
}

func TestUpgradeReplayIsIdempotent(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), temp, secret)
		require.NoError(t, err, "attempt %d", i)
	}

	assert.Len(t, env.kv.writes, 1, "replays must target the same record")
	assert.Equal(t, 2, env.kv.writes[store.PrincipalKey(principalOf(t, secret))])
}

func TestUpgradeDigestMismatch(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)
	require.False(t, temp.Inner.Expired(env.clock.Now()))

	tampered := *temp
	tampered.Digest = append([]byte(nil), temp.Digest...)
	tampered.Digest[0] ^= 0x01

	rec := httptest.NewRecorder()
	_, err = env.svc.UpgradeTempRefreshToken(ctx, rec, &tampered, secret)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeDigestMismatch))
	assert.Empty(t, env.kv.writes)
	assert.Empty(t, rec.Header().Values("Set-Cookie"))
}

func TestUpgradeLockout(t *testing.T) {
	env := setupService(t)
	env.svc.lockout = NewLockout(3, time.Minute, env.clock)
	attacker := WithClientAddr(context.Background(), "203.0.113.9")
	victim := WithClientAddr(context.Background(), "198.51.100.7")
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(victim, requestWith(anonRec))
	require.NoError(t, err)

	// Forged tokens naming the victim's principal.
	bad := *temp
	bad.Digest = make([]byte, len(temp.Digest))
	for i := 0; i < 2; i++ {
		_, err := env.svc.UpgradeTempRefreshToken(attacker, httptest.NewRecorder(), &bad, secret)
		require.True(t, idperrors.IsCode(err, idperrors.CodeDigestMismatch), "attempt %d: %v", i, err)
	}
	for i := 0; i < 3; i++ {
		_, err := env.svc.UpgradeTempRefreshToken(attacker, httptest.NewRecorder(), &bad, secret)
		assert.True(t, idperrors.IsCode(err, idperrors.CodeUnauthorized), "locked client: %v", err)
	}
	assert.True(t, env.svc.lockout.IsLocked("203.0.113.9"))
	assert.False(t, env.svc.lockout.IsLocked("198.51.100.7"))
	assert.Empty(t, env.kv.writes)

	_, err = env.svc.UpgradeTempRefreshToken(victim, httptest.NewRecorder(), temp, secret)
	assert.NoError(t, err, "forged failures must not block the real token")
}

func TestUpgradeLockoutNeverRefusesValidDigest(t *testing.T) {
	env := setupService(t)
	env.svc.lockout = NewLockout(1, time.Minute, env.clock)
	ctx := WithClientAddr(context.Background(), "203.0.113.9")
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)

	bad := *temp
	bad.Digest = make([]byte, len(temp.Digest))
	_, err = env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), &bad, secret)
	require.True(t, idperrors.IsCode(err, idperrors.CodeUnauthorized))
	require.True(t, env.svc.lockout.IsLocked("203.0.113.9"))

	_, err = env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), temp, secret)
	require.NoError(t, err)
	assert.False(t, env.svc.lockout.IsLocked("203.0.113.9"), "success clears the client")
}

func TestUpgradeLockoutForgetsForgedPrincipals(t *testing.T) {
	env := setupService(t)
	env.svc.lockout = NewLockout(5, time.Minute, env.clock)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		forged := &cookie.TempRefreshToken{
			Inner:  cookie.NewRefreshToken(fmt.Sprintf("forged-%d", i), cookie.Temporary, epoch, time.Hour),
			Digest: make([]byte, 32),
		}
		client := WithClientAddr(ctx, fmt.Sprintf("203.0.113.%d", i%200))
		_, err := env.svc.UpgradeTempRefreshToken(client, httptest.NewRecorder(), forged, identity.Secret{})
		require.Error(t, err)
	}
	assert.Equal(t, 200, env.svc.lockout.Len(), "entries are keyed by client, not claimed principal")

	env.clock.Advance(time.Minute)
	_, err := env.svc.UpgradeTempRefreshToken(WithClientAddr(ctx, "198.51.100.7"), httptest.NewRecorder(), &cookie.TempRefreshToken{}, identity.Secret{})
	require.Error(t, err)
	assert.Equal(t, 1, env.svc.lockout.Len())
}

func TestUpgradeExpiredTempToken(t *testing.T) {
	env := setupService(t, WithTempTokenTTL(10*time.Minute))
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	_, err = env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), temp, secret)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeCookieExpired))
	assert.Empty(t, env.kv.writes)
}

func TestUpgradeWrongSecret(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	_, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)

	other, err := identity.Generate()
	require.NoError(t, err)

	_, err = env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), temp, other.Secret())
	assert.True(t, idperrors.IsCode(err, idperrors.CodeUnauthorized))
	assert.Empty(t, env.kv.writes)
}

func TestIssueTempRefreshTokenRequiresTemporarySession(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.IssueTempRefreshToken(ctx, requestWith(nil))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeUnauthorized))

	secret, anonRec := anonymousSession(t, env)
	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	_, err = env.svc.UpgradeTempRefreshToken(ctx, rec, temp, secret)
	require.NoError(t, err)

	_, err = env.svc.IssueTempRefreshToken(ctx, requestWith(rec))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestExtractSessionMissing(t *testing.T) {
	env := setupService(t)

	km, err := identity.Generate()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tok := cookie.NewRefreshToken(km.Principal().String(), cookie.Upgraded, epoch, time.Hour)
	require.NoError(t, cookie.NewJar(env.codec).Set(rec, tok, epoch))

	_, err = env.svc.ExtractIdentity(context.Background(), requestWith(rec))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeSessionMissing))
}

func TestExtractRejectsMismatchedRecord(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	km, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)
	require.NoError(t, env.secrets.Put(ctx, store.PrincipalKey(km.Principal()), other))

	rec := httptest.NewRecorder()
	tok := cookie.NewRefreshToken(km.Principal().String(), cookie.Upgraded, epoch, time.Hour)
	require.NoError(t, cookie.NewJar(env.codec).Set(rec, tok, epoch))

	_, err = env.svc.ExtractIdentity(ctx, requestWith(rec))
	assert.True(t, idperrors.IsCode(err, idperrors.CodeKVDeserialize))
}

func TestExtractShortLived(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	_, err = env.svc.UpgradeTempRefreshToken(ctx, rec, temp, secret)
	require.NoError(t, err)

	wire, err := env.svc.ExtractShortLivedIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	require.NotNil(t, wire)

	want := uint64(epoch.Add(delegation.DefaultShortLivedMaxAge).UnixNano())
	assert.Equal(t, want, wire.Delegations[0].Delegation.Expiration)
}

func TestExtractExpiredUpgradedCookie(t *testing.T) {
	env := setupService(t, WithRefreshTTL(time.Hour))
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	_, err = env.svc.UpgradeTempRefreshToken(ctx, rec, temp, secret)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	wire, err := env.svc.ExtractIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	assert.Nil(t, wire)
}

func TestLogout(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(ctx, requestWith(anonRec))
	require.NoError(t, err)
	upgraded, err := env.svc.UpgradeTempRefreshToken(ctx, httptest.NewRecorder(), temp, secret)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	wire, err := env.svc.LogoutIdentity(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, wire)
	require.NoError(t, wire.Verify(env.clock.Now()))
	assert.NotEqual(t, upgraded.FromKey, wire.FromKey, "logout hands out a brand-new identity")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)

	_, ok, err := env.secrets.Get(ctx, store.PrincipalKey(principalOf(t, secret)))
	require.NoError(t, err)
	assert.True(t, ok, "logout keeps the stored secret for relogin")

	extracted, err := env.svc.ExtractIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	assert.Nil(t, extracted)
}

func TestLoginWithProvider(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	data, err := json.Marshal(provider.JWKS{Keys: []provider.JWK{provider.ToJWK("kid-1", &priv.PublicKey)}})
	require.NoError(t, err)
	keys, err := provider.ParseJWKS(data)
	require.NoError(t, err)

	verifier := provider.NewVerifier(keys, "https://issuer.example", "aud", provider.WithClock(clock.Fake(epoch)))
	env := setupService(t, WithProvider(verifier))
	ctx := context.Background()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "https://issuer.example",
		Subject:   "user-42",
		Audience:  jwt.ClaimStrings{"aud"},
		ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
	})
	token.Header["kid"] = "kid-1"
	idToken, err := token.SignedString(priv)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	first, err := env.svc.LoginWithProvider(ctx, rec, idToken)
	require.NoError(t, err)
	require.NoError(t, first.Verify(env.clock.Now()))

	tok := sessionCookie(t, env, rec)
	require.NotNil(t, tok)
	assert.Equal(t, cookie.Upgraded, tok.Kind)

	second, err := env.svc.LoginWithProvider(ctx, httptest.NewRecorder(), idToken)
	require.NoError(t, err)
	assert.Equal(t, first.FromKey, second.FromKey, "the provider account maps to a stable root key")

	extracted, err := env.svc.ExtractIdentity(ctx, requestWith(rec))
	require.NoError(t, err)
	require.NotNil(t, extracted)
	assert.Equal(t, first.FromKey, extracted.FromKey)

	_, err = env.svc.LoginWithProvider(ctx, httptest.NewRecorder(), "garbage")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeUnauthorized))
}

func TestLoginWithProviderDisabled(t *testing.T) {
	env := setupService(t)
	assert.False(t, env.svc.ProviderEnabled())

	_, err := env.svc.LoginWithProvider(context.Background(), httptest.NewRecorder(), "token")
	assert.True(t, idperrors.IsCode(err, idperrors.CodeInvalidInput))
}

func TestUpgradeKVFailureSetsNoCookie(t *testing.T) {
	env := setupService(t)
	secret, anonRec := anonymousSession(t, env)

	temp, err := env.svc.IssueTempRefreshToken(context.Background(), requestWith(anonRec))
	require.NoError(t, err)

	require.NoError(t, env.kv.Close())

	rec := httptest.NewRecorder()
	_, err = env.svc.UpgradeTempRefreshToken(context.Background(), rec, temp, secret)
	assert.True(t, idperrors.IsCode(err, idperrors.CodeKVPermanent))
	assert.Empty(t, rec.Header().Values("Set-Cookie"))
}
