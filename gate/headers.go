package gate

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"studymate/idtoken"
)

// Identity headers attached to requests the gate lets through.
const (
	HeaderUID           = "X-User-Uid"
	HeaderEmail         = "X-User-Email"
	HeaderEmailVerified = "X-User-Email-Verified"
	HeaderName          = "X-User-Name"
)

const identityHeaderPrefix = "X-User-"

type (
	claimsKey  struct{}
	sessionKey struct{}
)

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c *idtoken.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims the gate verified for this request.
func ClaimsFromContext(ctx context.Context) (*idtoken.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*idtoken.Claims)
	return c, ok && c != nil
}

func withSessionState(ctx context.Context, s SessionState) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionStateFromContext reports the session state the gate determined.
// ok is false when the gate did not look at the cookie, as for assets.
func SessionStateFromContext(ctx context.Context) (SessionState, bool) {
	s, ok := ctx.Value(sessionKey{}).(SessionState)
	return s, ok
}

// SubjectFromContext returns the verified subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.Subject()
	}
	return ""
}

// StripIdentityHeaders removes any x-user-* header the client sent so
// downstream handlers only ever see values the gate set.
func StripIdentityHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			delete(h, name)
		}
	}
}

// SetIdentityHeaders writes the claims as identity headers. The display
// name is path-escaped so non-ASCII names survive header transport.
func SetIdentityHeaders(h http.Header, c *idtoken.Claims) {
	h.Set(HeaderUID, c.Subject())
	if email := c.Email(); email != "" {
		h.Set(HeaderEmail, email)
	}
	h.Set(HeaderEmailVerified, strconv.FormatBool(c.EmailVerified()))
	if name := c.DisplayName(); name != "" {
		h.Set(HeaderName, url.PathEscape(name))
	}
}

// DisplayNameFromHeader reverses the escaping applied by SetIdentityHeaders.
func DisplayNameFromHeader(h http.Header) string {
	raw := h.Get(HeaderName)
	name, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return name
}
