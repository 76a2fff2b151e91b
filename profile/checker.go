package profile

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = time.Minute
)

// Checker answers completion queries for the session gate, caching answers
// per uid so protected navigation does not hit the store every request.
type Checker struct {
	store Store
	cache *expirable.LRU[string, bool]
}

// NewChecker caches up to size answers for ttl. Non-positive values use
// the defaults.
func NewChecker(store Store, size int, ttl time.Duration) *Checker {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Checker{store: store, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// Completed reports whether uid's profile is complete. A missing profile is
// incomplete; store errors are returned and not cached.
func (c *Checker) Completed(ctx context.Context, uid string) (bool, error) {
	if done, ok := c.cache.Get(uid); ok {
		return done, nil
	}
	p, err := c.store.Get(ctx, uid)
	switch {
	case errors.Is(err, ErrNotFound):
		c.cache.Add(uid, false)
		return false, nil
	case err != nil:
		return false, err
	}
	done := p.Completed()
	c.cache.Add(uid, done)
	return done, nil
}

// Status returns the full completion summary, bypassing the cache.
func (c *Checker) Status(ctx context.Context, uid string) (Status, error) {
	p, err := c.store.Get(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return StatusOf(nil), nil
	}
	if err != nil {
		return Status{}, err
	}
	return StatusOf(p), nil
}

// Invalidate drops the cached answer for uid.
func (c *Checker) Invalidate(uid string) {
	c.cache.Remove(uid)
}
