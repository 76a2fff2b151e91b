package profile

import (
	"context"
	"sync"
	"time"
)

// Store persists profiles.
type Store interface {
	// Get returns ErrNotFound when uid has no profile.
	Get(ctx context.Context, uid string) (*Profile, error)
	// Upsert creates or replaces the profile, maintaining timestamps.
	Upsert(ctx context.Context, p *Profile) error
	Close() error
}

// MemoryStore keeps profiles in a map. It is used in dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, uid string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if existing, ok := s.profiles[p.UID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.UID] = *p
	return nil
}

func (s *MemoryStore) Close() error { return nil }
