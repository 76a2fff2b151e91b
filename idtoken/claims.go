package idtoken

import (
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity carried by a session token. Its fields are
// unexported: the only way to obtain a Claims value is a successful Verify.
type Claims struct {
	subject        string
	email          string
	emailVerified  bool
	name           string
	picture        string
	signInProvider string
	issuedAt       time.Time
	expiresAt      time.Time
}

func (c *Claims) Subject() string        { return c.subject }
func (c *Claims) Email() string          { return c.email }
func (c *Claims) EmailVerified() bool    { return c.emailVerified }
func (c *Claims) DisplayName() string    { return c.name }
func (c *Claims) PictureURL() string     { return c.picture }
func (c *Claims) SignInProvider() string { return c.signInProvider }
func (c *Claims) IssuedAt() time.Time    { return c.issuedAt }
func (c *Claims) ExpiresAt() time.Time   { return c.expiresAt }

// LogValue keeps log lines down to the subject.
func (c *Claims) LogValue() slog.Value {
	return slog.GroupValue(slog.String("sub", c.subject))
}

// tokenClaims is the payload shape issued by the identity provider.
type tokenClaims struct {
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	AuthTime      int64  `json:"auth_time,omitempty"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider,omitempty"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

func (tc *tokenClaims) toClaims() *Claims {
	c := &Claims{
		subject:        tc.Subject,
		email:          tc.Email,
		emailVerified:  tc.EmailVerified,
		name:           tc.Name,
		picture:        tc.Picture,
		signInProvider: tc.Firebase.SignInProvider,
	}
	if tc.IssuedAt != nil {
		c.issuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.expiresAt = tc.ExpiresAt.Time
	}
	return c
}
