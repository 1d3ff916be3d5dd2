package http

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-identity/internal/cookie"
	"github.com/tendant/simple-identity/internal/delegation"
	idperrors "github.com/tendant/simple-identity/internal/errors"
	"github.com/tendant/simple-identity/internal/identity"
	"github.com/tendant/simple-identity/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// ResetHeader names the invalid cookie a fresh anonymous identity replaces.
const ResetHeader = "X-Session-Reset"

// IdentityHandler serves the session endpoints under /api/identity.
type IdentityHandler struct {
	svc       *session.Service
	logger    *slog.Logger
	rateLimit int
}

// IdentityOption configures the IdentityHandler.
type IdentityOption func(*IdentityHandler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) IdentityOption {
	return func(h *IdentityHandler) {
		h.logger = logger
	}
}

// WithRateLimit limits upgrade and provider login to n requests per
// minute per client IP. Zero disables the limit.
func WithRateLimit(n int) IdentityOption {
	return func(h *IdentityHandler) {
		h.rateLimit = n
	}
}

// NewIdentityHandler creates a new IdentityHandler.
func NewIdentityHandler(svc *session.Service, opts ...IdentityOption) *IdentityHandler {
	h := &IdentityHandler{
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the identity endpoints on r.
func (h *IdentityHandler) Routes(r chi.Router) {
	r.Route("/api/identity", func(r chi.Router) {
		r.Post("/anonymous", h.Anonymous)
		r.Post("/anonymous/cookie", h.AnonymousCookie)
		r.Post("/extract", h.Extract)
		r.Post("/extract/short", h.ExtractShort)
		r.Post("/temp-token", h.TempToken)
		r.Post("/logout", h.Logout)
		r.With(RateLimitMiddleware("upgrade", h.rateLimit)).Post("/upgrade", h.Upgrade)
		if h.svc.ProviderEnabled() {
			r.With(RateLimitMiddleware("provider", h.rateLimit)).Post("/provider", h.Provider)
		}
	})
}

type secretRequest struct {
	Secret *identity.Secret `json:"secret"`
}

type anonymousResponse struct {
	Secret identity.Secret `json:"secret"`
	Reset  string          `json:"reset,omitempty"`
}

type upgradeRequest struct {
	Token  string           `json:"token"`
	Secret *identity.Secret `json:"secret"`
}

type providerRequest struct {
	IDToken string `json:"id_token"`
}

type tempTokenResponse struct {
	Token         string `json:"token"`
	ExpiryEpochMs uint64 `json:"expiry_epoch_ms"`
}

// Anonymous returns a fresh root secret when the browser has no usable
// session, and 204 when it does. When a tampered or malformed cookie was
// discarded, its error code is sent in ResetHeader and the reset field.
func (h *IdentityHandler) Anonymous(w http.ResponseWriter, r *http.Request) {
	anon, err := h.svc.GenerateAnonymousIdentityIfRequired(r.Context(), r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if anon == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if anon.Reset != "" {
		w.Header().Set(ResetHeader, anon.Reset)
	}
	writeJSON(w, http.StatusOK, anonymousResponse{Secret: anon.Secret, Reset: anon.Reset})
}

// AnonymousCookie sets the Temporary cookie for a secret the client holds.
func (h *IdentityHandler) AnonymousCookie(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Secret == nil {
		writeError(w, r, h.logger, idperrors.InvalidInput("secret is required"))
		return
	}

	if err := h.svc.SetAnonymousIdentityCookie(r.Context(), w, *req.Secret); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Extract returns a session delegation for an upgraded session.
func (h *IdentityHandler) Extract(w http.ResponseWriter, r *http.Request) {
	wire, err := h.svc.ExtractIdentity(r.Context(), r)
	h.writeWire(w, r, wire, err)
}

// ExtractShort returns a short-lived delegation for an upgraded session.
func (h *IdentityHandler) ExtractShort(w http.ResponseWriter, r *http.Request) {
	wire, err := h.svc.ExtractShortLivedIdentity(r.Context(), r)
	h.writeWire(w, r, wire, err)
}

// TempToken issues a temp refresh token for the current anonymous session.
func (h *IdentityHandler) TempToken(w http.ResponseWriter, r *http.Request) {
	temp, err := h.svc.IssueTempRefreshToken(r.Context(), r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	token, err := cookie.EncodeTemp(temp)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tempTokenResponse{
		Token:         token,
		ExpiryEpochMs: temp.Inner.ExpiryEpochMs,
	})
}

// Upgrade promotes an anonymous session using a temp refresh token and the
// root secret the client holds.
func (h *IdentityHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Token == "" || req.Secret == nil {
		writeError(w, r, h.logger, idperrors.InvalidInput("token and secret are required"))
		return
	}

	temp, err := cookie.DecodeTemp(req.Token)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	ctx := session.WithClientAddr(r.Context(), clientAddr(r))
	wire, err := h.svc.UpgradeTempRefreshToken(ctx, w, temp, *req.Secret)
	h.writeWire(w, r, wire, err)
}

// Logout clears the session and returns a fresh anonymous delegation.
func (h *IdentityHandler) Logout(w http.ResponseWriter, r *http.Request) {
	wire, err := h.svc.LogoutIdentity(r.Context(), w)
	h.writeWire(w, r, wire, err)
}

// Provider logs in with an ID token from the configured provider.
func (h *IdentityHandler) Provider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.IDToken == "" {
		writeError(w, r, h.logger, idperrors.InvalidInput("id_token is required"))
		return
	}

	wire, err := h.svc.LoginWithProvider(r.Context(), w, req.IDToken)
	h.writeWire(w, r, wire, err)
}

func (h *IdentityHandler) writeWire(w http.ResponseWriter, r *http.Request, wire *delegation.Wire, err error) {
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if wire == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, wire)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return idperrors.Wrap(err, idperrors.CodeInvalidInput, "invalid request body")
	}
	return nil
}

// clientAddr returns the host part of RemoteAddr, which RealIP has already
// replaced with the forwarded address when one is present.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
