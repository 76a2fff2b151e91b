package idtoken

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("studymate/idtoken")

// SigningAlgorithm is the only algorithm the provider uses for ID tokens.
const SigningAlgorithm = "RS256"

// Config configures a Verifier.
type Config struct {
	// Issuer must match the iss claim exactly.
	Issuer string
	// Audience is the project id; it must appear in aud.
	Audience string
	// ClockSkew widens the exp and iat checks. Zero means strict.
	ClockSkew time.Duration
}

// Observer receives verification outcomes. kind is empty on success.
type Observer interface {
	ObserveVerification(kind Kind, elapsed time.Duration)
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(v *Verifier) { v.observer = o }
}

// Verifier checks session tokens against the provider's rotating keys.
type Verifier struct {
	cfg      Config
	keys     KeySource
	parser   *jwt.Parser
	header   *jwt.Parser
	now      func() time.Time
	observer Observer
}

// NewVerifier builds a Verifier. Issuer and audience are mandatory: without
// them tokens minted for unrelated projects would be accepted.
func NewVerifier(cfg Config, keys KeySource, opts ...Option) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("idtoken: issuer required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("idtoken: audience required")
	}
	if keys == nil {
		return nil, errors.New("idtoken: key source required")
	}
	v := &Verifier{
		cfg:  cfg,
		keys: keys,
		// Strict decoding rejects segments whose unused trailing bits are
		// set, so every character of the signature is significant.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{SigningAlgorithm}),
			jwt.WithoutClaimsValidation(),
			jwt.WithStrictDecoding(),
		),
		header: jwt.NewParser(jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates raw and returns its claims. Every failure is an *Error.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "idtoken.Verify")
	defer span.End()

	claims, err := v.verify(ctx, raw)

	kind := KindOf(err)
	if v.observer != nil {
		v.observer.ObserveVerification(kind, time.Since(start))
	}
	if err != nil {
		span.SetAttributes(
			attribute.String("idtoken.failure", string(kind)),
			attribute.String("idtoken.failure_class", string(kind.Class())),
		)
		span.SetStatus(codes.Error, string(kind))
		return nil, err
	}
	span.SetAttributes(attribute.String("idtoken.sub", claims.Subject()))
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Claims, error) {
	if !HasCompactShape(raw) {
		return nil, fail(KindMalformed, errors.New("token must have three segments"))
	}

	var unverified tokenClaims
	tok, _, err := v.header.ParseUnverified(raw, &unverified)
	if err != nil {
		return nil, fail(KindMalformed, err)
	}
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, fail(KindMissingKeyID, nil)
	}

	key, err := v.lookupKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	// Header and payload already decoded above, so any failure here concerns
	// the signature segment or a non-canonical encoding of the signed bytes.
	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return nil, fail(KindSignatureInvalid, err)
	}

	if err := v.validateClaims(&tc); err != nil {
		return nil, err
	}
	return tc.toClaims(), nil
}

// lookupKey finds kid in the cached set, refreshing at most once per call.
func (v *Verifier) lookupKey(ctx context.Context, kid string) (any, error) {
	set, err := v.keys.Keys(ctx)
	if err != nil {
		return nil, asFetchError(err)
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}

	set, err = v.keys.Refresh(ctx, set.Generation)
	if err != nil {
		return nil, asFetchError(err)
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}
	return nil, fail(KindUnknownKeyID, fmt.Errorf("kid %q not in key set", kid))
}

func (v *Verifier) validateClaims(tc *tokenClaims) error {
	if tc.Issuer != v.cfg.Issuer {
		return fail(KindIssuerMismatch, fmt.Errorf("unexpected issuer %q", tc.Issuer))
	}
	if !slices.Contains([]string(tc.Audience), v.cfg.Audience) {
		return fail(KindAudienceMismatch, fmt.Errorf("unexpected audience %v", []string(tc.Audience)))
	}
	if tc.ExpiresAt == nil {
		return fail(KindMalformed, errors.New("exp missing"))
	}
	if tc.IssuedAt == nil {
		return fail(KindMalformed, errors.New("iat missing"))
	}

	now := v.now()
	if !now.Add(-v.cfg.ClockSkew).Before(tc.ExpiresAt.Time) {
		return fail(KindExpired, nil)
	}
	if tc.IssuedAt.Time.After(now.Add(v.cfg.ClockSkew)) {
		return fail(KindIssuedInFuture, nil)
	}
	if tc.Subject == "" {
		return fail(KindMissingSubject, nil)
	}
	return nil
}

func asFetchError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return fail(KindKeyFetch, err)
}
