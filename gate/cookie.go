package gate

import (
	"net/http"
	"time"
)

const (
	// DefaultCookieName is the session cookie's name.
	DefaultCookieName = "session"
	// DefaultCookieMaxAge is five days.
	DefaultCookieMaxAge = 5 * 24 * time.Hour
)

// Cookie issues, reads and clears the session cookie. The cookie value is
// the identity token itself; there is no server-side session record.
type Cookie struct {
	Name   string
	Domain string
	MaxAge time.Duration
	// Secure is false only in local development.
	Secure bool
}

// NewCookie returns the cookie settings with defaults applied.
func NewCookie(name, domain string, maxAge time.Duration, secure bool) Cookie {
	if name == "" {
		name = DefaultCookieName
	}
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	return Cookie{Name: name, Domain: domain, MaxAge: maxAge, Secure: secure}
}

// Read returns the token in the request's cookie, if any.
func (c Cookie) Read(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.Name)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

// Set writes the session cookie holding token.
func (c Cookie) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.MaxAge.Seconds()),
	})
}

// Clear expires the session cookie.
func (c Cookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
