package profile

import (
	"context"
	"errors"
	"time"
)

// Service is the profile API used by the HTTP handlers and the gate.
type Service struct {
	*Checker
	store Store
}

// NewService wraps store with a completion cache.
func NewService(store Store, cacheSize int, cacheTTL time.Duration) *Service {
	return &Service{Checker: NewChecker(store, cacheSize, cacheTTL), store: store}
}

// Get returns the stored profile for uid.
func (s *Service) Get(ctx context.Context, uid string) (*Profile, error) {
	return s.store.Get(ctx, uid)
}

// Update applies u to uid's profile, creating it when absent. Email and
// the verified flag always come from the caller's verified identity.
func (s *Service) Update(ctx context.Context, uid, email string, emailVerified bool, u Update) (*Profile, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		p = &Profile{UID: uid}
	} else if err != nil {
		return nil, err
	}
	u.Apply(p)
	p.Email = email
	p.EmailVerified = emailVerified
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	s.Invalidate(uid)
	return p, nil
}

// Close closes the store.
func (s *Service) Close() error { return s.store.Close() }
