package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// UpdateFunc computes the next state of a profile from its stored state.
// exists is false (and current is zero) when nothing is stored yet. When
// write is false the backend must leave storage untouched and return next.
type UpdateFunc func(current Profile, exists bool) (next Profile, write bool, err error)

// Backend is the persistence layer behind a Store. Implementations live in
// the storage packages.
type Backend interface {
	// Get returns the stored profile or ErrNotFound.
	Get(ctx context.Context, id string) (Profile, error)
	// Update runs fn and stores its result as one atomic read-modify-write,
	// even against other processes sharing the same backend.
	Update(ctx context.Context, id string, fn UpdateFunc) (Profile, error)
	// Delete removes the profile. Deleting an absent profile is not an error.
	Delete(ctx context.Context, id string) error
	// List returns up to limit profiles, most recently updated first.
	List(ctx context.Context, limit int) ([]Profile, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Store provides cached, per-conversation serialized access to profiles.
type Store struct {
	backend Backend
	clock   Clock
	ttl     time.Duration
	locks   *keyedMutex

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	lastSweep time.Time
}

// NewStore creates a Store over backend with the given cache TTL. A zero TTL
// disables caching.
func NewStore(backend Backend, ttl time.Duration) *Store {
	return NewStoreWithClock(backend, realClock{}, ttl)
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(backend Backend, clock Clock, ttl time.Duration) *Store {
	return &Store{
		backend: backend,
		clock:   clock,
		ttl:     ttl,
		locks:   newKeyedMutex(),
		cache:   make(map[string]cacheEntry),
	}
}

// GetOrCreate returns the profile for id, creating and persisting an empty
// one if none exists. Concurrent callers for the same id observe the same
// profile.
func (s *Store) GetOrCreate(ctx context.Context, id string) (Profile, error) {
	if p, ok := s.cached(id); ok {
		return p, nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	// Double-check after acquiring the conversation lock.
	if p, ok := s.cached(id); ok {
		return p, nil
	}

	p, err := s.backend.Update(ctx, id, func(cur Profile, exists bool) (Profile, bool, error) {
		if exists {
			return cur, false, nil
		}
		return New(id, s.clock.Now()), true, nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("creating profile %q: %w", id, err)
	}
	s.remember(id, p)
	return p.Clone(), nil
}

// Get returns the stored profile for id, or ErrNotFound. It never creates.
func (s *Store) Get(ctx context.Context, id string) (Profile, error) {
	if p, ok := s.cached(id); ok {
		return p, nil
	}

	// The cache is only written under the conversation lock.
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.backend.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("loading profile %q: %w", id, err)
	}
	s.remember(id, p)
	return p.Clone(), nil
}

// Apply merges d into the profile for id as one atomic step and returns the
// result. A delta that changes nothing leaves the version and storage
// untouched. Applying to an absent profile creates it first.
func (s *Store) Apply(ctx context.Context, id string, d Delta) (Profile, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.backend.Update(ctx, id, func(cur Profile, exists bool) (Profile, bool, error) {
		now := s.clock.Now()
		if !exists {
			cur = New(id, now)
		}
		next := Merge(cur, d)
		if SameFacts(cur, next) {
			return cur, !exists, nil
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		return next, true, nil
	})
	if err != nil {
		s.forget(id)
		return Profile{}, fmt.Errorf("applying delta to %q: %w", id, err)
	}
	s.remember(id, p)
	return p.Clone(), nil
}

// Reset deletes the profile for id so the next turn starts from empty memory.
func (s *Store) Reset(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.forget(id)
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting profile %q: %w", id, err)
	}
	return nil
}

// List returns up to limit profiles, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]Profile, error) {
	ps, err := s.backend.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	return ps, nil
}

func (s *Store) cached(id string) (Profile, bool) {
	if s.ttl <= 0 {
		return Profile{}, false
	}
	now := s.clock.Now()
	s.mu.RLock()
	e, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}
	if s.expired(e, now) {
		s.mu.Lock()
		if e, ok := s.cache[id]; ok && s.expired(e, now) {
			delete(s.cache, id)
		}
		s.mu.Unlock()
		return Profile{}, false
	}
	return e.profile.Clone(), true
}

func (s *Store) expired(e cacheEntry, now time.Time) bool {
	return !now.Before(e.cachedAt.Add(s.ttl))
}

// remember caches p and, at most once per TTL, drops every expired entry.
func (s *Store) remember(id string, p Profile) {
	if s.ttl <= 0 {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.Before(s.lastSweep.Add(s.ttl)) {
		for k, e := range s.cache {
			if s.expired(e, now) {
				delete(s.cache, k)
			}
		}
		s.lastSweep = now
	}
	s.cache[id] = cacheEntry{profile: p.Clone(), cachedAt: now}
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

func (s *Store) cacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
