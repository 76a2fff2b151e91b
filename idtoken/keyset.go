package idtoken

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultKeyTTL applies when the key endpoint sends no usable max-age.
	DefaultKeyTTL = time.Hour

	defaultFetchTimeout = 10 * time.Second
	maxKeyDocumentBytes = 1 << 20
)

// KeySet is an immutable snapshot of the provider's signing keys.
type KeySet struct {
	keys       map[string]crypto.PublicKey
	FetchedAt  time.Time
	ExpiresAt  time.Time
	Generation uint64
}

// Lookup returns the public key for kid.
func (s *KeySet) Lookup(kid string) (crypto.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// KeyIDs returns the key ids in the set, sorted.
func (s *KeySet) KeyIDs() []string {
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// KeySource supplies key sets to the verifier.
type KeySource interface {
	// Keys returns a key set that has not expired, fetching if needed.
	Keys(ctx context.Context) (*KeySet, error)
	// Refresh forces a fetch unless the set with generation stale has already
	// been replaced by another caller.
	Refresh(ctx context.Context, stale uint64) (*KeySet, error)
}

// FetchObserver receives key fetch outcomes ("ok", "http_error", "network_error", "parse_error").
type FetchObserver interface {
	ObserveKeyFetch(outcome string)
}

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	URL          string
	DefaultTTL   time.Duration
	FetchTimeout time.Duration
	// MinRefreshInterval is the shortest gap between a fetch and a forced
	// refresh. Zero lets every unknown kid trigger a fetch.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
	Observer           FetchObserver
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// KeyCache is a process-local cache of the provider's public keys. Readers
// never block; a refresh replaces the whole snapshot (last writer wins).
type KeyCache struct {
	url          string
	client       *http.Client
	defaultTTL   time.Duration
	fetchTimeout time.Duration
	minRefresh   time.Duration
	logger       *slog.Logger
	observer     FetchObserver
	now          func() time.Time

	current    atomic.Pointer[KeySet]
	generation atomic.Uint64
	fetches    atomic.Int64
}

// NewKeyCache creates an empty cache; the first Keys call fetches.
func NewKeyCache(cfg KeyCacheConfig) *KeyCache {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &KeyCache{
		url:          cfg.URL,
		client:       client,
		defaultTTL:   ttl,
		fetchTimeout: timeout,
		minRefresh:   cfg.MinRefreshInterval,
		logger:       logger,
		observer:     cfg.Observer,
		now:          now,
	}
}

// Keys returns the cached set while it is fresh and fetches otherwise.
func (c *KeyCache) Keys(ctx context.Context) (*KeySet, error) {
	if set := c.current.Load(); set != nil && c.now().Before(set.ExpiresAt) {
		return set, nil
	}
	return c.fetch(ctx)
}

// Refresh fetches a new set unless the stale generation was already replaced
// or the current set is younger than the minimum refresh interval.
func (c *KeyCache) Refresh(ctx context.Context, stale uint64) (*KeySet, error) {
	if set := c.current.Load(); set != nil && c.now().Before(set.ExpiresAt) {
		if set.Generation != stale {
			return set, nil
		}
		if c.minRefresh > 0 && c.now().Before(set.FetchedAt.Add(c.minRefresh)) {
			c.logger.Debug("key refresh suppressed", "url", c.url, "fetched_at", set.FetchedAt)
			return set, nil
		}
	}
	return c.fetch(ctx)
}

// Fetches returns the number of fetch attempts made so far.
func (c *KeyCache) Fetches() int64 { return c.fetches.Load() }

// URL returns the key endpoint.
func (c *KeyCache) URL() string { return c.url }

func (c *KeyCache) fetch(ctx context.Context) (*KeySet, error) {
	c.fetches.Add(1)

	// The fetch outlives a cancelled request so the result still lands in the cache.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "idtoken.FetchKeys",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", c.url)),
	)
	defer span.End()

	set, outcome, err := c.download(ctx)
	if c.observer != nil {
		c.observer.ObserveKeyFetch(outcome)
	}
	span.SetAttributes(attribute.String("idtoken.fetch_outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		c.logger.Error("public key fetch failed", "url", c.url, "outcome", outcome, "error", err)
		return nil, fail(KindKeyFetch, err)
	}

	c.current.Store(set)
	c.logger.Debug("public keys refreshed",
		"url", c.url,
		"kids", set.KeyIDs(),
		"generation", set.Generation,
		"expires_at", set.ExpiresAt,
	)
	return set, nil
}

func (c *KeyCache) download(ctx context.Context) (*KeySet, string, error) {
	if c.url == "" {
		return nil, "network_error", errors.New("key endpoint not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, "network_error", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "network_error", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, "http_error", fmt.Errorf("key fetch %s: %s", c.url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDocumentBytes))
	if err != nil {
		return nil, "network_error", err
	}
	keys, err := ParseKeyDocument(body)
	if err != nil {
		return nil, "parse_error", err
	}

	fetched := c.now()
	return &KeySet{
		keys:       keys,
		FetchedAt:  fetched,
		ExpiresAt:  fetched.Add(MaxAge(resp.Header.Get("Cache-Control"), c.defaultTTL)),
		Generation: c.generation.Add(1),
	}, "ok", nil
}

// MaxAge extracts max-age from a Cache-Control header, returning fallback
// when it is absent or unparseable.
func MaxAge(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || !strings.EqualFold(kv[0], "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(kv[1], `"`))
		if err != nil || secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// ParseKeyDocument accepts either a JSON object mapping kid to a PEM block
// (certificate or public key) or a JWKS document.
func ParseKeyDocument(body []byte) (map[string]crypto.PublicKey, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode key document: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(raw))
	if list, ok := raw["keys"]; ok && strings.HasPrefix(strings.TrimSpace(string(list)), "[") {
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(body, &set); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}
		for _, k := range set.Keys {
			if k.KeyID == "" || k.Use == "enc" {
				continue
			}
			pub := k.Public()
			if !pub.Valid() {
				continue
			}
			keys[k.KeyID] = pub.Key
		}
	} else {
		for kid, value := range raw {
			var encoded string
			if err := json.Unmarshal(value, &encoded); err != nil {
				return nil, fmt.Errorf("key %s: expected PEM string", kid)
			}
			pub, err := parsePEMKey(encoded)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", kid, err)
			}
			keys[kid] = pub
		}
	}

	if len(keys) == 0 {
		return nil, errors.New("key document contains no usable keys")
	}
	return keys, nil
}

func parsePEMKey(encoded string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
	}
}
