package idtoken

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HasCompactShape reports whether token looks like header.payload.signature
// with three non-empty segments. It says nothing about validity.
func HasCompactShape(token string) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	for _, part := range strings.Split(token, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

// Peek is an unverified view of a token payload.
type Peek struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// Expired reports whether the payload's exp is at or before now. A payload
// without exp is never considered expired here.
func (p Peek) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// PeekUnverified decodes the payload WITHOUT checking the signature.
// Advisory only: the result must never gate access to anything. The session
// gate is the only trust boundary.
func PeekUnverified(token string) (Peek, error) {
	if !HasCompactShape(token) {
		return Peek{}, ErrMalformed
	}
	var tc tokenClaims
	if _, _, err := jwt.NewParser(jwt.WithStrictDecoding()).ParseUnverified(token, &tc); err != nil {
		return Peek{}, fail(KindMalformed, err)
	}
	p := Peek{Subject: tc.Subject, Email: tc.Email}
	if tc.ExpiresAt != nil {
		p.ExpiresAt = tc.ExpiresAt.Time
	}
	return p, nil
}
