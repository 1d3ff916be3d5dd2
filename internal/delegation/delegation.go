// Package delegation builds and verifies chains of signed delegations from
// a root key down to a short-lived ephemeral key.
package delegation

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/tendant/simple-identity/internal/codec"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
)

const (
	// MinValidity is the floor every delegation's lifetime must exceed.
	MinValidity = time.Minute
	// MaxChainLength bounds the number of hops in a chain.
	MaxChainLength = 4
)

// domainSeparator is prefixed to the encoded delegation before signing so
// a delegation signature can never be replayed as any other kind of message.
var domainSeparator = []byte("\x1Aic-request-auth-delegation")

// HexBytes is a byte string that travels as lowercase hex in JSON.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (b HexBytes) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *HexBytes) UnmarshalText(text []byte) error {
	out := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(out, text); err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*b = out
	return nil
}

// Delegation states that PubKey may act on behalf of its signer until
// Expiration (nanoseconds since the Unix epoch), optionally only towards
// Targets.
type Delegation struct {
	PubKey     HexBytes   `cbor:"pubkey" json:"pubkey"`
	Expiration uint64     `cbor:"expiration" json:"expiration,string"`
	Targets    []HexBytes `cbor:"targets,omitempty" json:"targets,omitempty"`
}

// SigningPayload returns the exact bytes a signer signs for d.
func (d Delegation) SigningPayload() ([]byte, error) {
	if d.Targets != nil && len(d.Targets) == 0 {
		return nil, idperrors.InvalidInput("delegation targets must be absent or non-empty")
	}
	encoded, err := codec.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delegation: %w", err)
	}
	payload := make([]byte, 0, len(domainSeparator)+len(encoded))
	payload = append(payload, domainSeparator...)
	return append(payload, encoded...), nil
}

// ExpiresAt returns Expiration as a time. Expirations past the int64
// nanosecond range clamp to its end, in the year 2262.
func (d Delegation) ExpiresAt() time.Time {
	if d.Expiration > math.MaxInt64 {
		return time.Unix(0, math.MaxInt64)
	}
	return time.Unix(0, int64(d.Expiration))
}

// SignedDelegation is a Delegation plus its signer's signature.
type SignedDelegation struct {
	Delegation Delegation `json:"delegation"`
	Signature  HexBytes   `json:"signature"`
}

// Chain is an ordered list of signed delegations starting at RootPubKey.
// Delegations[0] is signed by RootPubKey and Delegations[i] by the key
// delegated in Delegations[i-1].
type Chain struct {
	RootPubKey  HexBytes           `json:"public_key"`
	Delegations []SignedDelegation `json:"delegations"`
}

// SelfRooted returns the zero-length chain rooted at key: the root is its
// own delegate.
func SelfRooted(key *identity.KeyMaterial) Chain {
	return Chain{RootPubKey: key.PublicKeyDER()}
}

// Tip returns the DER key at the end of the chain: the last delegate, or
// the root for an empty chain.
func (c Chain) Tip() HexBytes {
	if len(c.Delegations) == 0 {
		return c.RootPubKey
	}
	return c.Delegations[len(c.Delegations)-1].Delegation.PubKey
}

// Verify checks every hop's signature against its signer and that no hop
// has expired at now. It returns the DER key the chain delegates to.
func (c Chain) Verify(now time.Time) (HexBytes, error) {
	if len(c.Delegations) > MaxChainLength {
		return nil, idperrors.InvalidInput(fmt.Sprintf("delegation chain longer than %d", MaxChainLength))
	}
	if _, err := identity.ParsePublicKeyDER(c.RootPubKey); err != nil {
		return nil, fmt.Errorf("chain root: %w", err)
	}

	signer := c.RootPubKey
	for i, sd := range c.Delegations {
		payload, err := sd.Delegation.SigningPayload()
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		if !identity.Verify(signer, payload, sd.Signature) {
			return nil, idperrors.Unauthorized(fmt.Sprintf("hop %d: signature does not verify against its signer", i))
		}
		if uint64(now.UnixNano()) >= sd.Delegation.Expiration {
			return nil, idperrors.Unauthorized(fmt.Sprintf("hop %d: delegation expired", i))
		}
		signer = sd.Delegation.PubKey
	}
	return signer, nil
}
