// Package provider verifies ID tokens issued by an external OAuth/OIDC
// provider. Only the verification boundary lives here; the redirect flow
// is handled by the browser and the provider.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/simple-identity/internal/clock"
	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// Principal is a verified provider account.
type Principal struct {
	Issuer  string
	Subject string
	Email   string
}

// Claims represents the ID token claims the service reads.
type Claims struct {
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`

	jwt.RegisteredClaims
}

// Verifier checks ID tokens against a provider's keys.
type Verifier struct {
	keys     *KeySet
	issuer   string
	audience string
	leeway   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// VerifierOption configures the Verifier.
type VerifierOption func(*Verifier)

// WithClock sets the time source for expiry checks.
func WithClock(c clock.Clock) VerifierOption {
	return func(v *Verifier) {
		v.clock = c
	}
}

// WithLeeway sets the allowed clock skew.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithLogger sets the logger for the verifier.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier for tokens from issuer to audience.
func NewVerifier(keys *KeySet, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify parses and validates an RS256 ID token. Any failure is reported
// as unauthorized.
func (v *Verifier) Verify(ctx context.Context, idToken string) (*Principal, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(idToken, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key ID in token header")
		}
		key, ok := v.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		v.logger.WarnContext(ctx, "provider token rejected", "issuer", v.issuer, "error", err)
		return nil, idperrors.Wrap(err, idperrors.CodeUnauthorized, "invalid provider token")
	}
	if claims.Subject == "" {
		return nil, idperrors.Unauthorized("provider token has no subject")
	}

	return &Principal{
		Issuer:  claims.Issuer,
		Subject: claims.Subject,
		Email:   claims.Email,
	}, nil
}
