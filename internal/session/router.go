// Package session maps conversation ids to their profiles, creating a profile
// the first time an id is seen.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/membot/internal/profile"
)

// MaxConversationIDLen is the longest accepted conversation id, in bytes.
const MaxConversationIDLen = 128

// ErrInvalidConversationID is returned for ids that are empty, too long, or
// contain control characters.
var ErrInvalidConversationID = errors.New("invalid conversation id")

// ProfileSource is the part of profile.Store the router needs.
type ProfileSource interface {
	GetOrCreate(ctx context.Context, id string) (profile.Profile, error)
}

// Router resolves conversation ids to profiles.
type Router struct {
	store ProfileSource
	group singleflight.Group
}

// NewRouter creates a Router backed by store.
func NewRouter(store ProfileSource) *Router {
	return &Router{store: store}
}

// NormalizeID trims surrounding whitespace and validates a conversation id.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	if len(id) > MaxConversationIDLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidConversationID, MaxConversationIDLen)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidConversationID)
	}
	return id, nil
}

// Resolve returns the profile for id, creating and storing an empty one if
// none exists. Absence is never an error. Concurrent first contacts for the
// same id share one store round trip; each caller gets its own copy.
func (r *Router) Resolve(ctx context.Context, id string) (profile.Profile, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return profile.Profile{}, err
	}

	// The shared call must not fail just because the caller that started it
	// went away; each waiter still honors its own context.
	ch := r.group.DoChan(id, func() (any, error) {
		return r.store.GetOrCreate(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return profile.Profile{}, fmt.Errorf("resolving conversation %s: %w", id, res.Err)
		}
		return res.Val.(profile.Profile).Clone(), nil
	case <-ctx.Done():
		return profile.Profile{}, ctx.Err()
	}
}
