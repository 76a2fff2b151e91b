package idtoken

import "errors"

// Kind identifies why a token failed verification.
type Kind string

const (
	KindMalformed        Kind = "malformed_token"
	KindMissingKeyID     Kind = "missing_key_id"
	KindMissingSubject   Kind = "missing_subject"
	KindUnknownKeyID     Kind = "unknown_key_id"
	KindSignatureInvalid Kind = "signature_invalid"
	KindIssuerMismatch   Kind = "issuer_mismatch"
	KindAudienceMismatch Kind = "audience_mismatch"
	KindExpired          Kind = "expired"
	KindIssuedInFuture   Kind = "issued_in_future"
	KindKeyFetch         Kind = "key_fetch_failed"
)

// Class groups failure kinds for logging and metrics. Expiry is routine,
// forgery is not, and the two must stay distinguishable.
type Class string

const (
	ClassMalformed      Class = "malformed"
	ClassCryptographic  Class = "cryptographic"
	ClassTemporal       Class = "temporal"
	ClassInfrastructure Class = "infrastructure"
)

// Class returns the taxonomy class of k.
func (k Kind) Class() Class {
	switch k {
	case KindMalformed, KindMissingKeyID, KindMissingSubject:
		return ClassMalformed
	case KindExpired, KindIssuedInFuture:
		return ClassTemporal
	case KindKeyFetch:
		return ClassInfrastructure
	default:
		return ClassCryptographic
	}
}

// Error is returned by Verify for every failure. It never carries token contents.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "idtoken: " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "idtoken: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind so callers can write errors.Is(err, ErrExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrMalformed        = &Error{Kind: KindMalformed}
	ErrMissingKeyID     = &Error{Kind: KindMissingKeyID}
	ErrMissingSubject   = &Error{Kind: KindMissingSubject}
	ErrUnknownKeyID     = &Error{Kind: KindUnknownKeyID}
	ErrSignatureInvalid = &Error{Kind: KindSignatureInvalid}
	ErrIssuerMismatch   = &Error{Kind: KindIssuerMismatch}
	ErrAudienceMismatch = &Error{Kind: KindAudienceMismatch}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrIssuedInFuture   = &Error{Kind: KindIssuedInFuture}
	ErrKeyFetch         = &Error{Kind: KindKeyFetch}
)

// KindOf extracts the failure kind from err. Errors that did not originate in
// this package are reported as infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindKeyFetch
}

func fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
