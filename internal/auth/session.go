// session.go

// Session cookie transport. The cookie only carries the signed token;
// trust comes from TokenCodec.Verify, never from the cookie itself.
package auth

import (
	"net/http"
	"time"
)

// DefaultCookieName is used when no cookie name is configured.
const DefaultCookieName = "access_token"

// CookieTransport attaches, clears and extracts the session cookie.
// Secure should be true everywhere except local development.
type CookieTransport struct {
	Name   string
	Domain string
	Secure bool
}

func (c CookieTransport) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

// Attach writes the session cookie with HttpOnly, SameSite=Lax and Max-Age=ttl,
// rounded down to whole seconds.
func (c CookieTransport) Attach(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl / time.Second),
	})
}

// Clear overwrites the cookie with an empty value that has already expired.
func (c CookieTransport) Clear(w http.ResponseWriter) {
	// MaxAge<0 emits Max-Age=0; Expires covers clients that ignore Max-Age.
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

// Extract returns the raw token from the request cookie.
// A missing or empty cookie is ("", false), not an error.
func (c CookieTransport) Extract(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name())
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
