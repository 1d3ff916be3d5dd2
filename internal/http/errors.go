package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

// retryAfterSeconds is sent with 503 responses caused by transient KV failures.
const retryAfterSeconds = 1

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Relogin          bool   `json:"relogin,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code to its HTTP status. Internal details never
// reach the client, only the code.
func statusFor(code string) int {
	switch code {
	case idperrors.CodeInvalidInput,
		idperrors.CodeCookieMalformed,
		idperrors.CodeCookieTampered,
		idperrors.CodeCookieExpired:
		return http.StatusBadRequest
	case idperrors.CodeUnauthorized,
		idperrors.CodeDigestMismatch,
		idperrors.CodeSessionMissing,
		idperrors.CodeKVDeserialize:
		return http.StatusUnauthorized
	case idperrors.CodeKVTransient, idperrors.CodeKVPermanent:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as a JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := idperrors.Code(err)
	status := statusFor(code)

	resp := errorResponse{Error: code}
	switch code {
	case idperrors.CodeSessionMissing, idperrors.CodeKVDeserialize:
		resp.Relogin = true
	case idperrors.CodeKVTransient:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status < http.StatusInternalServerError {
		resp.ErrorDescription = message(err)
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		logger.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "code", code, "error", err)
	}

	writeJSON(w, status, resp)
}

func message(err error) string {
	var e *idperrors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}
