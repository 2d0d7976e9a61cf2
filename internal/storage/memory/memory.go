// Package memory provides a process-local profile backend for tests and
// single-process deployments that need no persistence.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kalambet/membot/internal/profile"
)

// Store keeps profiles in a map guarded by a mutex.
type Store struct {
	mu       sync.Mutex
	profiles map[string]profile.Profile
}

var _ profile.Backend = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{profiles: make(map[string]profile.Profile)}
}

// Get returns the profile for id or profile.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p.Clone(), nil
}

// Update runs fn with the store locked.
func (s *Store) Update(ctx context.Context, id string, fn profile.UpdateFunc) (profile.Profile, error) {
	if err := ctx.Err(); err != nil {
		return profile.Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.profiles[id]
	next, write, err := fn(cur.Clone(), ok)
	if err != nil {
		return profile.Profile{}, err
	}
	if write {
		s.profiles[id] = next.Clone()
	}
	return next, nil
}

// Delete removes the profile for id.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
	return nil
}

// List returns up to limit profiles, most recently updated first.
func (s *Store) List(_ context.Context, limit int) ([]profile.Profile, error) {
	s.mu.Lock()
	out := make([]profile.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
