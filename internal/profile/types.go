package profile

import (
	"errors"
	"time"
)

// ErrNotFound is returned by backends when no profile exists for a conversation.
var ErrNotFound = errors.New("profile not found")

// Profile is the accumulated memory of one conversation: the user's name and
// the things they said they like or dislike.
//
// Likes and Dislikes keep insertion order, hold no duplicates, and never share
// an item.
type Profile struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Likes          []string  `json:"likes"`
	Dislikes       []string  `json:"dislikes"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Delta is the change set extracted from a single turn.
type Delta struct {
	NewName     string   `json:"new_name,omitempty"`
	NewLikes    []string `json:"new_likes,omitempty"`
	NewDislikes []string `json:"new_dislikes,omitempty"`
}

// IsEmpty reports whether applying d would be a no-op on any profile.
func (d Delta) IsEmpty() bool {
	return d.NewName == "" && len(d.NewLikes) == 0 && len(d.NewDislikes) == 0
}

// New returns an empty profile for id created at now.
func New(id string, now time.Time) Profile {
	return Profile{
		ConversationID: id,
		Likes:          []string{},
		Dislikes:       []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a copy of p that shares no slices with it.
func (p Profile) Clone() Profile {
	cp := p
	cp.Likes = cloneList(p.Likes)
	cp.Dislikes = cloneList(p.Dislikes)
	return cp
}

// IsEmpty reports whether p carries no remembered facts.
func (p Profile) IsEmpty() bool {
	return p.Name == "" && len(p.Likes) == 0 && len(p.Dislikes) == 0
}

func cloneList(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
