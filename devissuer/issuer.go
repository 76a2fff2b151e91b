// Package devissuer stands in for the identity provider during local
// development and tests: it signs ID tokens in the provider's shape and
// publishes the matching certificates.
package devissuer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL  = time.Hour
	defaultKeyMaxAge = time.Hour
)

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	CertPEM    string
	Kid        string
	CreatedAt  time.Time
}

// Config controls the issuer.
type Config struct {
	// ProjectID becomes the aud claim.
	ProjectID string
	// Issuer becomes the iss claim.
	Issuer         string
	RotateInterval time.Duration
	// KeyMaxAge is advertised through Cache-Control on the key endpoint.
	KeyMaxAge time.Duration
	TokenTTL  time.Duration
	// StorePath persists the private keys as a JWKS document when set.
	StorePath string
}

// Identity describes the user a token is minted for.
type Identity struct {
	UID           string `json:"uid"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// Issuer signs tokens with a rotating RSA key.
type Issuer struct {
	mu       sync.RWMutex
	current  keyPair
	previous []keyPair

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New loads keys from disk when configured, otherwise generates one.
func New(cfg Config, logger *slog.Logger) (*Issuer, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("devissuer: project id required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "https://securetoken.google.com/" + cfg.ProjectID
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.KeyMaxAge <= 0 {
		cfg.KeyMaxAge = defaultKeyMaxAge
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	iss := &Issuer{cfg: cfg, logger: logger, now: time.Now}
	if cfg.StorePath != "" {
		if err := iss.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if iss.current.PrivateKey == nil {
		if err := iss.Rotate(); err != nil {
			return nil, err
		}
	}
	return iss, nil
}

// SetClock overrides the clock used for iat/exp.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// StartRotation rotates keys on a ticker until stop is closed.
func (i *Issuer) StartRotation(stop <-chan struct{}) {
	if i.cfg.RotateInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(i.cfg.RotateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := i.Rotate(); err != nil {
					i.logger.Error("dev issuer rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Rotate generates a fresh key. The previous key stays published so tokens
// it signed keep verifying until they expire.
func (i *Issuer) Rotate() error {
	pair, err := newKeyPair(i.now())
	if err != nil {
		return err
	}

	i.mu.Lock()
	if i.current.PrivateKey != nil {
		i.previous = append([]keyPair{i.current}, i.previous...)
		if len(i.previous) > 1 {
			i.previous = i.previous[:1]
		}
	}
	i.current = pair
	i.mu.Unlock()

	i.logger.Info("dev issuer key rotated", "kid", pair.Kid)
	if i.cfg.StorePath != "" {
		return i.persist()
	}
	return nil
}

// CurrentKeyID returns the kid used for new tokens.
func (i *Issuer) CurrentKeyID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current.Kid
}

// Mint returns a signed ID token for id.
func (i *Issuer) Mint(id Identity) (string, error) {
	if id.UID == "" {
		return "", errors.New("devissuer: uid required")
	}
	provider := id.Provider
	if provider == "" {
		provider = "password"
	}
	now := i.now()
	claims := jwt.MapClaims{
		"iss":            i.cfg.Issuer,
		"aud":            i.cfg.ProjectID,
		"sub":            id.UID,
		"user_id":        id.UID,
		"iat":            now.Unix(),
		"auth_time":      now.Unix(),
		"exp":            now.Add(i.cfg.TokenTTL).Unix(),
		"email_verified": id.EmailVerified,
		"firebase": map[string]any{
			"sign_in_provider": provider,
		},
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Picture != "" {
		claims["picture"] = id.Picture
	}
	tok, _, err := i.Sign(claims)
	return tok, err
}

// Sign signs arbitrary claims with the current key and returns the token and kid.
func (i *Issuer) Sign(claims jwt.MapClaims) (string, string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	i.mu.RLock()
	defer i.mu.RUnlock()
	token.Header["kid"] = i.current.Kid
	signed, err := token.SignedString(i.current.PrivateKey)
	if err != nil {
		return "", "", err
	}
	return signed, i.current.Kid, nil
}

// KeyDocument returns kid -> PEM certificate for every published key.
func (i *Issuer) KeyDocument() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc := map[string]string{i.current.Kid: i.current.CertPEM}
	for _, prev := range i.previous {
		doc[prev.Kid] = prev.CertPEM
	}
	return doc
}

// PublicJWKS exposes the same keys as a JWKS document.
func (i *Issuer) PublicJWKS() jose.JSONWebKeySet {
	i.mu.RLock()
	defer i.mu.RUnlock()
	keys := []jose.JSONWebKey{publicJWK(i.current)}
	for _, prev := range i.previous {
		keys = append(keys, publicJWK(prev))
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func publicJWK(p keyPair) jose.JSONWebKey {
	return jose.JSONWebKey{Key: &p.PrivateKey.PublicKey, KeyID: p.Kid, Algorithm: string(jose.RS256), Use: "sig"}
}

func newKeyPair(now time.Time) (keyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return keyPair{}, err
	}
	kid := randomKID()
	certPEM, err := selfSign(key, kid, now)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{PrivateKey: key, CertPEM: certPEM, Kid: kid, CreatedAt: now}, nil
}

func selfSign(key *rsa.PrivateKey, kid string, now time.Time) (string, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return "", err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "studymate-dev-" + kid},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(30 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", fmt.Errorf("create certificate: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

func (i *Issuer) persist() error {
	i.mu.RLock()
	keys := []jose.JSONWebKey{privateJWK(i.current)}
	for _, prev := range i.previous {
		keys = append(keys, privateJWK(prev))
	}
	i.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(i.cfg.StorePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(i.cfg.StorePath, payload, 0o600)
}

func privateJWK(p keyPair) jose.JSONWebKey {
	return jose.JSONWebKey{Key: p.PrivateKey, KeyID: p.Kid, Algorithm: string(jose.RS256), Use: "sig"}
}

func (i *Issuer) loadFromDisk() error {
	payload, err := os.ReadFile(i.cfg.StorePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}
	now := i.now()
	var prev []keyPair
	for idx, k := range set.Keys {
		priv, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		certPEM, err := selfSign(priv, k.KeyID, now)
		if err != nil {
			return err
		}
		pair := keyPair{PrivateKey: priv, CertPEM: certPEM, Kid: k.KeyID, CreatedAt: now}
		if idx == 0 {
			i.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	i.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
