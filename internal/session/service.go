// Package session orchestrates the delegated-identity session: the
// refresh cookie, the server-held secrets and the delegations handed to
// the browser.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-identity/internal/clock"
	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/delegation"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
	"github.com/tendant/simple-identity/internal/metrics"
	"github.com/tendant/simple-identity/internal/provider"
	"github.com/tendant/simple-identity/internal/store"
)

const (
	// DefaultRefreshTTL is the lifetime of a refresh cookie.
	DefaultRefreshTTL = 30 * 24 * time.Hour
	// DefaultTempTokenTTL is the lifetime of a temp refresh token.
	DefaultTempTokenTTL = time.Hour
)

// Service implements the session operations.
type Service struct {
	jar        *cookie.Jar
	migrator   *cookie.Migrator
	builder    *delegation.Builder
	secrets    *store.SecretRepository
	verifier   *provider.Verifier
	lockout    *Lockout
	clock      clock.Clock
	refreshTTL time.Duration
	tempTTL    time.Duration
	logger     *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithClock sets the time source for cookie expiries.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithRefreshTTL sets the lifetime of refresh cookies.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.refreshTTL = ttl
	}
}

// WithTempTokenTTL sets the lifetime of temp refresh tokens.
func WithTempTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.tempTTL = ttl
	}
}

// WithLockout sets the upgrade lockout.
func WithLockout(l *Lockout) Option {
	return func(s *Service) {
		s.lockout = l
	}
}

// WithProvider enables login with an external provider.
func WithProvider(v *provider.Verifier) Option {
	return func(s *Service) {
		s.verifier = v
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new Service.
func NewService(jar *cookie.Jar, migrator *cookie.Migrator, builder *delegation.Builder, secrets *store.SecretRepository, opts ...Option) *Service {
	s := &Service{
		jar:        jar,
		migrator:   migrator,
		builder:    builder,
		secrets:    secrets,
		clock:      clock.Real(),
		refreshTTL: DefaultRefreshTTL,
		tempTTL:    DefaultTempTokenTTL,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.lockout == nil {
		s.lockout = NewLockout(0, 0, s.clock)
	}

	return s
}

// ProviderEnabled reports whether provider login is configured.
func (s *Service) ProviderEnabled() bool {
	return s.verifier != nil
}

// AnonymousIdentity is a freshly generated root secret. Reset carries the
// error code of the cookie that was discarded to make room for it, and is
// empty when the request had no cookie or an expired one.
type AnonymousIdentity struct {
	Secret identity.Secret
	Reset  string
}

// GenerateAnonymousIdentityIfRequired returns a fresh root secret when the
// request carries no usable session cookie, and nil when it does. The
// secret is not stored: the client keeps it and echoes it back through
// SetAnonymousIdentityCookie. A tampered or malformed cookie is replaced
// like an absent one, and its error code is reported in Reset.
func (s *Service) GenerateAnonymousIdentityIfRequired(ctx context.Context, r *http.Request) (*AnonymousIdentity, error) {
	var reset string
	tok, err := s.readCookie(ctx, r)
	if err != nil {
		if !idperrors.IsCookieError(err) {
			return nil, err
		}
		reset = idperrors.Code(err)
		tok = nil
	}
	if tok != nil && !tok.Expired(s.clock.Now()) {
		metrics.RecordSessionOperation("anonymous", "existing")
		return nil, nil
	}

	km, err := identity.Generate()
	if err != nil {
		return nil, idperrors.Signing("failed to generate root key", err)
	}

	principal := km.Principal().String()
	if reset != "" {
		metrics.RecordSessionOperation("anonymous", "reset")
		s.logger.WarnContext(ctx, "invalid session cookie replaced", "code", reset, "principal", principal)
	} else {
		metrics.RecordSessionOperation("anonymous", "generated")
		s.logger.DebugContext(ctx, "anonymous identity generated", "principal", principal)
	}
	return &AnonymousIdentity{Secret: km.Secret(), Reset: reset}, nil
}

// WithClientAddr returns a context carrying the address of the client
// making the request. Failed upgrades are counted per address.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrKey{}, addr)
}

// ClientAddr returns the client address stored by WithClientAddr, or "".
func ClientAddr(ctx context.Context) string {
	addr, _ := ctx.Value(clientAddrKey{}).(string)
	return addr
}

type clientAddrKey struct{}

// SetAnonymousIdentityCookie installs a Temporary cookie for the
// principal of secret. Nothing is written to the KV store.
func (s *Service) SetAnonymousIdentityCookie(ctx context.Context, w http.ResponseWriter, secret identity.Secret) error {
	km, err := identity.FromSecret(secret)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	principal := km.Principal().String()
	if err := s.jar.Set(w, cookie.NewRefreshToken(principal, cookie.Temporary, now, s.refreshTTL), now); err != nil {
		return err
	}

	metrics.RecordSessionOperation("anonymous_cookie", "set")
	s.logger.DebugContext(ctx, "anonymous cookie set", "principal", principal)
	return nil
}

// ExtractIdentity returns a session delegation for an Upgraded cookie.
// It returns nil when there is no cookie, the cookie has expired, or the
// session is Temporary and so has no server-held secret.
func (s *Service) ExtractIdentity(ctx context.Context, r *http.Request) (*delegation.Wire, error) {
	return s.extract(ctx, r, "extract", s.builder.DelegateSession)
}

// ExtractShortLivedIdentity is ExtractIdentity with the short-lived
// preset, for single privileged actions.
func (s *Service) ExtractShortLivedIdentity(ctx context.Context, r *http.Request) (*delegation.Wire, error) {
	return s.extract(ctx, r, "extract_short", s.builder.DelegateShortLived)
}

type delegateFunc func(*identity.KeyMaterial, delegation.Chain) (*delegation.Wire, error)

func (s *Service) extract(ctx context.Context, r *http.Request, op string, delegate delegateFunc) (*delegation.Wire, error) {
	tok, err := s.readCookie(ctx, r)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Expired(s.clock.Now()) || tok.Kind != cookie.Upgraded {
		metrics.RecordSessionOperation(op, "none")
		return nil, nil
	}

	km, err := s.loadSecret(ctx, tok.Principal)
	if err != nil {
		metrics.RecordSessionOperation(op, idperrors.Code(err))
		return nil, err
	}

	wire, err := delegate(km, delegation.SelfRooted(km))
	if err != nil {
		return nil, err
	}
	metrics.RecordSessionOperation(op, "delegated")
	return wire, nil
}

// IssueTempRefreshToken wraps the current Temporary session in a
// MAC-protected token the client can carry through a redirect and present
// to UpgradeTempRefreshToken.
func (s *Service) IssueTempRefreshToken(ctx context.Context, r *http.Request) (*cookie.TempRefreshToken, error) {
	tok, err := s.readCookie(ctx, r)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, idperrors.Unauthorized("no session cookie")
	}

	now := s.clock.Now()
	if tok.Expired(now) {
		return nil, idperrors.New(idperrors.CodeCookieExpired, "session cookie expired")
	}
	if tok.Kind != cookie.Temporary {
		return nil, idperrors.InvalidInput("session is already upgraded")
	}

	temp, err := s.migrator.Issue(cookie.NewRefreshToken(tok.Principal, cookie.Temporary, now, s.tempTTL))
	if err != nil {
		return nil, idperrors.Internal("failed to issue temp refresh token", err)
	}

	metrics.RecordSessionOperation("temp_token", "issued")
	s.logger.InfoContext(ctx, "temp refresh token issued", "principal", tok.Principal)
	return temp, nil
}

// UpgradeTempRefreshToken promotes an anonymous session to a persisted
// one. The digest is checked before anything in temp is trusted, and
// secret must belong to the principal temp names. The secret is stored
// before the Upgraded cookie is set, so an Upgraded cookie always has a
// persisted secret behind it. Replays overwrite the same record.
func (s *Service) UpgradeTempRefreshToken(ctx context.Context, w http.ResponseWriter, temp *cookie.TempRefreshToken, secret identity.Secret) (*delegation.Wire, error) {
	logger := s.logger.With("op_id", uuid.NewString(), "op", "upgrade")

	client := ClientAddr(ctx)

	inner, err := s.migrator.Upgrade(temp)
	if err != nil {
		claimed := ""
		if temp != nil {
			claimed = temp.Inner.Principal
		}
		s.lockout.RecordFailure(client)
		if remaining := s.lockout.LockedFor(client); remaining > 0 {
			logger.WarnContext(ctx, "upgrade refused, client locked",
				"client", client,
				"claimed_principal", claimed,
				"remaining", remaining,
			)
			metrics.RecordSessionOperation("upgrade", "locked")
			return nil, idperrors.Wrap(err, idperrors.CodeUnauthorized, "too many failed upgrade attempts")
		}
		logger.WarnContext(ctx, "temp refresh token digest mismatch",
			"client", client,
			"claimed_principal", claimed,
			"remaining_attempts", s.lockout.RemainingAttempts(client),
		)
		metrics.RecordSessionOperation("upgrade", idperrors.CodeDigestMismatch)
		return nil, err
	}

	now := s.clock.Now()
	if inner.Expired(now) {
		logger.WarnContext(ctx, "temp refresh token expired", "principal", inner.Principal)
		metrics.RecordSessionOperation("upgrade", idperrors.CodeCookieExpired)
		return nil, idperrors.New(idperrors.CodeCookieExpired, "temp refresh token expired")
	}
	if inner.Kind != cookie.Temporary {
		return nil, idperrors.InvalidInput("temp refresh token does not wrap a temporary session")
	}

	km, err := identity.FromSecret(secret)
	if err != nil {
		return nil, err
	}
	principal := km.Principal()
	if principal.String() != inner.Principal {
		logger.WarnContext(ctx, "upgrade secret does not match principal", "principal", inner.Principal)
		metrics.RecordSessionOperation("upgrade", idperrors.CodeUnauthorized)
		return nil, idperrors.Unauthorized("secret does not belong to the session principal")
	}

	if err := s.secrets.Put(ctx, store.PrincipalKey(principal), km); err != nil {
		metrics.RecordSessionOperation("upgrade", idperrors.Code(err))
		return nil, err
	}

	wire, err := s.builder.DelegateSession(km, delegation.SelfRooted(km))
	if err != nil {
		return nil, err
	}

	if err := s.jar.Set(w, cookie.NewRefreshToken(inner.Principal, cookie.Upgraded, now, s.refreshTTL), now); err != nil {
		return nil, err
	}

	s.lockout.RecordSuccess(client)
	metrics.RecordSessionOperation("upgrade", "upgraded")
	logger.InfoContext(ctx, "session upgraded", "principal", inner.Principal)
	return wire, nil
}

// LogoutIdentity clears the session cookie and returns a brand-new
// anonymous identity. Stored secrets are kept so the user can log in
// again.
func (s *Service) LogoutIdentity(ctx context.Context, w http.ResponseWriter) (*delegation.Wire, error) {
	logger := s.logger.With("op_id", uuid.NewString(), "op", "logout")

	s.jar.Clear(w)

	km, err := identity.Generate()
	if err != nil {
		return nil, idperrors.Signing("failed to generate root key", err)
	}
	wire, err := s.builder.DelegateSession(km, delegation.SelfRooted(km))
	if err != nil {
		return nil, err
	}

	metrics.RecordSessionOperation("logout", "ok")
	logger.InfoContext(ctx, "session logged out", "anonymous_principal", km.Principal().String())
	return wire, nil
}

// LoginWithProvider verifies a provider ID token and logs the browser in
// as the root key linked to that provider account, creating the link on
// first login.
func (s *Service) LoginWithProvider(ctx context.Context, w http.ResponseWriter, idToken string) (*delegation.Wire, error) {
	if s.verifier == nil {
		return nil, idperrors.InvalidInput("provider login is not configured")
	}
	logger := s.logger.With("op_id", uuid.NewString(), "op", "provider_login")

	account, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		metrics.RecordSessionOperation("provider_login", idperrors.CodeUnauthorized)
		return nil, err
	}

	linkKey := store.ProviderKey(account.Issuer, account.Subject)
	km, ok, err := s.secrets.Get(ctx, linkKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		km, err = identity.Generate()
		if err != nil {
			return nil, idperrors.Signing("failed to generate root key", err)
		}
		if err := s.secrets.Put(ctx, linkKey, km); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "provider account linked", "issuer", account.Issuer, "principal", km.Principal().String())
	}

	principal := km.Principal()
	if err := s.secrets.Put(ctx, store.PrincipalKey(principal), km); err != nil {
		return nil, err
	}

	wire, err := s.builder.DelegateSession(km, delegation.SelfRooted(km))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.jar.Set(w, cookie.NewRefreshToken(principal.String(), cookie.Upgraded, now, s.refreshTTL), now); err != nil {
		return nil, err
	}

	metrics.RecordSessionOperation("provider_login", "ok")
	logger.InfoContext(ctx, "provider login", "issuer", account.Issuer, "principal", principal.String())
	return wire, nil
}

// readCookie reads the session cookie, logging and counting rejections.
func (s *Service) readCookie(ctx context.Context, r *http.Request) (*cookie.RefreshToken, error) {
	tok, err := s.jar.Read(r)
	if err != nil && idperrors.IsCookieError(err) {
		code := idperrors.Code(err)
		metrics.RecordCookieRejected(code)
		s.logger.WarnContext(ctx, "session cookie rejected", "code", code, "error", err)
	}
	return tok, err
}

// loadSecret loads the root key of an Upgraded session. A missing record
// means the session cannot be restored and the user must log in again.
func (s *Service) loadSecret(ctx context.Context, principalText string) (*identity.KeyMaterial, error) {
	principal, err := identity.ParsePrincipal(principalText)
	if err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeCookieMalformed, "cookie carries invalid principal")
	}

	km, ok, err := s.secrets.Get(ctx, store.PrincipalKey(principal))
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.WarnContext(ctx, "upgraded session has no stored secret", "principal", principalText)
		return nil, idperrors.New(idperrors.CodeSessionMissing, "session secret not found")
	}
	if !km.Principal().Equal(principal) {
		return nil, idperrors.New(idperrors.CodeKVDeserialize, "stored secret does not match its principal")
	}
	return km, nil
}
