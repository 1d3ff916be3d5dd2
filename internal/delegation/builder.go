package delegation

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-identity/internal/clock"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
	"github.com/tendant/simple-identity/internal/metrics"
)

const (
	// DefaultSessionMaxAge is the lifetime of a session delegation.
	DefaultSessionMaxAge = 7 * 24 * time.Hour
	// DefaultShortLivedMaxAge is the lifetime of a single-purpose delegation.
	DefaultShortLivedMaxAge = 5 * time.Minute
)

// Preset names a delegation lifetime chosen deliberately by the caller.
type Preset struct {
	Name   string
	MaxAge time.Duration
}

// Builder issues delegations to freshly generated ephemeral keys.
type Builder struct {
	clock      clock.Clock
	session    Preset
	shortLived Preset
	logger     *slog.Logger
}

// BuilderOption configures the Builder.
type BuilderOption func(*Builder)

// WithClock sets the time source used for expirations.
func WithClock(c clock.Clock) BuilderOption {
	return func(b *Builder) {
		b.clock = c
	}
}

// WithSessionMaxAge overrides the session preset lifetime.
func WithSessionMaxAge(d time.Duration) BuilderOption {
	return func(b *Builder) {
		b.session.MaxAge = d
	}
}

// WithShortLivedMaxAge overrides the short-lived preset lifetime.
func WithShortLivedMaxAge(d time.Duration) BuilderOption {
	return func(b *Builder) {
		b.shortLived.MaxAge = d
	}
}

// WithLogger sets the logger for the builder.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder with the default presets.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		clock:      clock.Real(),
		session:    Preset{Name: "session", MaxAge: DefaultSessionMaxAge},
		shortLived: Preset{Name: "short_lived", MaxAge: DefaultShortLivedMaxAge},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// SessionPreset returns the long-lived preset.
func (b *Builder) SessionPreset() Preset { return b.session }

// ShortLivedPreset returns the single-purpose preset.
func (b *Builder) ShortLivedPreset() Preset { return b.shortLived }

// DelegateSession delegates with the long-lived session preset.
func (b *Builder) DelegateSession(signer *identity.KeyMaterial, base Chain) (*Wire, error) {
	return b.delegate(signer, base, b.session)
}

// DelegateShortLived delegates with the short-lived preset, for one-off
// privileged actions that must not expose the session key.
func (b *Builder) DelegateShortLived(signer *identity.KeyMaterial, base Chain) (*Wire, error) {
	return b.delegate(signer, base, b.shortLived)
}

// Delegate generates an ephemeral key, has signer delegate to it for
// maxAge and appends the signed delegation to base. signer must hold the
// key at the tip of base; an empty base is rooted at signer. base is not
// modified.
func (b *Builder) Delegate(signer *identity.KeyMaterial, base Chain, maxAge time.Duration) (*Wire, error) {
	return b.delegate(signer, base, Preset{Name: "custom", MaxAge: maxAge})
}

func (b *Builder) delegate(signer *identity.KeyMaterial, base Chain, preset Preset) (*Wire, error) {
	if preset.MaxAge <= MinValidity {
		return nil, idperrors.InvalidInput(fmt.Sprintf("delegation max age %s must exceed %s", preset.MaxAge, MinValidity))
	}
	if len(base.Delegations) >= MaxChainLength {
		return nil, idperrors.InvalidInput(fmt.Sprintf("delegation chain already has %d hops", len(base.Delegations)))
	}

	signerDER := signer.PublicKeyDER()
	if len(base.RootPubKey) == 0 {
		base.RootPubKey = signerDER
	}
	if !bytes.Equal(base.Tip(), signerDER) {
		return nil, idperrors.InvalidInput("signer does not hold the key at the tip of the chain")
	}

	ephemeral, err := identity.Generate()
	if err != nil {
		return nil, idperrors.Signing("failed to generate ephemeral key", err)
	}

	now := b.clock.Now()
	d := Delegation{
		PubKey:     ephemeral.PublicKeyDER(),
		Expiration: uint64(now.UnixNano()) + uint64(preset.MaxAge.Nanoseconds()),
	}

	payload, err := d.SigningPayload()
	if err != nil {
		return nil, idperrors.Signing("failed to encode delegation", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	delegations := make([]SignedDelegation, 0, len(base.Delegations)+1)
	delegations = append(delegations, base.Delegations...)
	delegations = append(delegations, SignedDelegation{Delegation: d, Signature: sig})

	metrics.RecordDelegationIssued(preset.Name)
	b.logger.Debug("delegation issued",
		"preset", preset.Name,
		"hops", len(delegations),
		"expires_at", d.ExpiresAt(),
	)

	return &Wire{
		FromKey:     base.RootPubKey,
		ToSecret:    ephemeral.Secret(),
		Delegations: delegations,
	}, nil
}
