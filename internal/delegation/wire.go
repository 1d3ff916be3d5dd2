package delegation

import (
	"bytes"
	"time"

	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
)

// Wire is the delegated identity handed to the browser and to the RPC
// layer: the root public key, the ephemeral private key, and the chain
// linking them. Its JSON shape crosses process boundaries and must stay
// stable.
type Wire struct {
	FromKey     HexBytes           `json:"from_key"`
	ToSecret    identity.Secret    `json:"to_secret"`
	Delegations []SignedDelegation `json:"delegation_chain"`
}

// Chain returns the delegation chain carried by the wire message.
func (w *Wire) Chain() Chain {
	return Chain{RootPubKey: w.FromKey, Delegations: w.Delegations}
}

// Principal returns the principal of the root key.
func (w *Wire) Principal() (identity.Principal, error) {
	if _, err := identity.ParsePublicKeyDER(w.FromKey); err != nil {
		return nil, err
	}
	return identity.SelfAuthenticating(w.FromKey), nil
}

// Verify checks the chain at now and that ToSecret holds the key the chain
// delegates to.
func (w *Wire) Verify(now time.Time) error {
	tip, err := w.Chain().Verify(now)
	if err != nil {
		return err
	}
	key, err := identity.FromSecret(w.ToSecret)
	if err != nil {
		return err
	}
	if !bytes.Equal(key.PublicKeyDER(), tip) {
		return idperrors.Unauthorized("to_secret does not match the delegated key")
	}
	return nil
}
