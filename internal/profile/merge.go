package profile

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// Merge returns p with d applied. p is not modified.
//
// A present name replaces the stored one. Each new like is appended (if not
// already liked) and removed from dislikes; then each new dislike is appended
// and removed from likes. An item named on both sides of the same delta
// therefore ends up disliked. Version and timestamps are left to the caller.
func Merge(p Profile, d Delta) Profile {
	out := p.Clone()

	if name := strings.TrimSpace(d.NewName); name != "" {
		out.Name = name
	}
	for _, item := range d.NewLikes {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out.Dislikes = remove(out.Dislikes, item)
		if !slices.Contains(out.Likes, item) {
			out.Likes = append(out.Likes, item)
		}
	}
	for _, item := range d.NewDislikes {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out.Likes = remove(out.Likes, item)
		if !slices.Contains(out.Dislikes, item) {
			out.Dislikes = append(out.Dislikes, item)
		}
	}
	return out
}

// SameFacts reports whether a and b remember the same name, likes and
// dislikes in the same order.
func SameFacts(a, b Profile) bool {
	return a.Name == b.Name && slices.Equal(a.Likes, b.Likes) && slices.Equal(a.Dislikes, b.Dislikes)
}

// Validate checks the list invariants of p.
func (p Profile) Validate() error {
	seen := make(map[string]bool, len(p.Likes))
	for _, item := range p.Likes {
		if seen[item] {
			return fmt.Errorf("duplicate like %q", item)
		}
		seen[item] = true
	}
	disliked := make(map[string]bool, len(p.Dislikes))
	for _, item := range p.Dislikes {
		if disliked[item] {
			return fmt.Errorf("duplicate dislike %q", item)
		}
		if seen[item] {
			return fmt.Errorf("item %q is both liked and disliked", item)
		}
		disliked[item] = true
	}
	return nil
}

func remove(list []string, item string) []string {
	return slices.DeleteFunc(list, func(s string) bool { return s == item })
}

// maxSummaryChars caps the summary injected into the system prompt.
const maxSummaryChars = 2000

// Summary renders p as the memory block of a system prompt.
func Summary(p Profile) string {
	name := p.Name
	if name == "" {
		name = "unknown"
	}
	likes := "none"
	if len(p.Likes) > 0 {
		likes = strings.Join(p.Likes, ", ")
	}
	dislikes := "none"
	if len(p.Dislikes) > 0 {
		dislikes = strings.Join(p.Dislikes, ", ")
	}

	summary := fmt.Sprintf("- Name: %s\n- Likes: %s\n- Dislikes: %s", name, likes, dislikes)
	if len(summary) > maxSummaryChars {
		// Don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], ", "); idx > 0 {
			summary = summary[:idx] + ", ..."
		} else {
			summary = summary[:end]
		}
	}
	return summary
}
