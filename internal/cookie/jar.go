package cookie

import (
	"errors"
	"net/http"
	"time"
)

// DefaultName is the default session cookie name.
const DefaultName = "user-identity"

// Jar reads and writes the session cookie.
type Jar struct {
	codec  *Codec
	name   string
	secure bool
	domain string
}

// JarOption configures the Jar.
type JarOption func(*Jar)

// WithName sets the cookie name.
func WithName(name string) JarOption {
	return func(j *Jar) {
		j.name = name
	}
}

// WithSecure sets whether cookies should be secure (HTTPS only).
func WithSecure(secure bool) JarOption {
	return func(j *Jar) {
		j.secure = secure
	}
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) JarOption {
	return func(j *Jar) {
		j.domain = domain
	}
}

// NewJar creates a Jar that signs cookies with codec.
func NewJar(codec *Codec, opts ...JarOption) *Jar {
	j := &Jar{
		codec:  codec,
		name:   DefaultName,
		secure: true,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Name returns the cookie name.
func (j *Jar) Name() string { return j.name }

// Read returns the refresh token from the request. A missing cookie is
// (nil, nil); a cookie that fails verification is a cookie error.
func (j *Jar) Read(r *http.Request) (*RefreshToken, error) {
	c, err := r.Cookie(j.name)
	if errors.Is(err, http.ErrNoCookie) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.codec.DecodeString(c.Value)
}

// Set replaces the session cookie with tok. The cookie lives as long as
// the token.
func (j *Jar) Set(w http.ResponseWriter, tok RefreshToken, now time.Time) error {
	value, err := j.codec.EncodeString(tok)
	if err != nil {
		return err
	}

	maxAge := int(tok.ExpiresAt().Sub(now).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     j.name,
		Value:    value,
		Path:     "/",
		Domain:   j.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (j *Jar) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     j.name,
		Value:    "",
		Path:     "/",
		Domain:   j.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
