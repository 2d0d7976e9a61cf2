package profile

import (
	"slices"
	"strings"
	"testing"
	"time"
)

func TestMerge_NameAndLike(t *testing.T) {
	p := New("c1", time.Time{})
	got := Merge(p, Delta{NewName: "연규", NewLikes: []string{"회"}})

	if got.Name != "연규" {
		t.Errorf("Name = %q, want %q", got.Name, "연규")
	}
	if !slices.Equal(got.Likes, []string{"회"}) {
		t.Errorf("Likes = %v, want [회]", got.Likes)
	}
	if len(got.Dislikes) != 0 {
		t.Errorf("Dislikes = %v, want empty", got.Dislikes)
	}
}

func TestMerge_Sequence(t *testing.T) {
	p := New("c1", time.Time{})
	p = Merge(p, Delta{NewName: "연규", NewLikes: []string{"회"}})
	p = Merge(p, Delta{NewDislikes: []string{"멍게"}})

	if p.Name != "연규" || !slices.Equal(p.Likes, []string{"회"}) || !slices.Equal(p.Dislikes, []string{"멍게"}) {
		t.Fatalf("after second delta: %+v", p)
	}

	p = Merge(p, Delta{NewDislikes: []string{"회"}})
	if len(p.Likes) != 0 {
		t.Errorf("Likes = %v, want empty", p.Likes)
	}
	if !slices.Equal(p.Dislikes, []string{"멍게", "회"}) {
		t.Errorf("Dislikes = %v, want [멍게 회]", p.Dislikes)
	}
}

func TestMerge_LikeRemovesDislike(t *testing.T) {
	p := New("c1", time.Time{})
	p.Dislikes = []string{"jazz", "rain"}

	got := Merge(p, Delta{NewLikes: []string{"jazz"}})
	if !slices.Equal(got.Likes, []string{"jazz"}) {
		t.Errorf("Likes = %v", got.Likes)
	}
	if !slices.Equal(got.Dislikes, []string{"rain"}) {
		t.Errorf("Dislikes = %v", got.Dislikes)
	}
}

func TestMerge_Dedup(t *testing.T) {
	p := New("c1", time.Time{})
	got := Merge(p, Delta{NewLikes: []string{"tea", "tea", " tea ", "coffee"}})
	if !slices.Equal(got.Likes, []string{"tea", "coffee"}) {
		t.Errorf("Likes = %v, want [tea coffee]", got.Likes)
	}
}

func TestMerge_SameItemBothSidesEndsDisliked(t *testing.T) {
	p := New("c1", time.Time{})
	got := Merge(p, Delta{NewLikes: []string{"durian"}, NewDislikes: []string{"durian"}})
	if len(got.Likes) != 0 {
		t.Errorf("Likes = %v, want empty", got.Likes)
	}
	if !slices.Equal(got.Dislikes, []string{"durian"}) {
		t.Errorf("Dislikes = %v, want [durian]", got.Dislikes)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestMerge_EmptyDeltaIsIdentity(t *testing.T) {
	p := New("c1", time.Time{})
	p.Name = "Ana"
	p.Likes = []string{"tea"}
	p.Dislikes = []string{"rain"}

	got := Merge(p, Delta{})
	if !SameFacts(p, got) {
		t.Errorf("empty delta changed profile: %+v -> %+v", p, got)
	}
}

func TestMerge_BlankNameKeepsOld(t *testing.T) {
	p := New("c1", time.Time{})
	p.Name = "Ana"
	got := Merge(p, Delta{NewName: "   "})
	if got.Name != "Ana" {
		t.Errorf("Name = %q, want Ana", got.Name)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	p := New("c1", time.Time{})
	p.Likes = []string{"a", "b", "c"}
	p.Dislikes = []string{"d"}

	_ = Merge(p, Delta{NewDislikes: []string{"b"}, NewLikes: []string{"d"}})

	if !slices.Equal(p.Likes, []string{"a", "b", "c"}) {
		t.Errorf("input Likes mutated: %v", p.Likes)
	}
	if !slices.Equal(p.Dislikes, []string{"d"}) {
		t.Errorf("input Dislikes mutated: %v", p.Dislikes)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		likes   []string
		dislike []string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"disjoint", []string{"a"}, []string{"b"}, false},
		{"overlap", []string{"a"}, []string{"a"}, true},
		{"duplicate like", []string{"a", "a"}, nil, true},
		{"duplicate dislike", nil, []string{"b", "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Profile{Likes: tt.likes, Dislikes: tt.dislike}
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSummary_Empty(t *testing.T) {
	got := Summary(New("c1", time.Time{}))
	want := "- Name: unknown\n- Likes: none\n- Dislikes: none"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}

func TestSummary_Full(t *testing.T) {
	p := New("c1", time.Time{})
	p.Name = "연규"
	p.Likes = []string{"회", "tea"}
	p.Dislikes = []string{"멍게"}

	got := Summary(p)
	for _, want := range []string{"Name: 연규", "Likes: 회, tea", "Dislikes: 멍게"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary missing %q: %q", want, got)
		}
	}
}

func TestSummary_Truncated(t *testing.T) {
	p := New("c1", time.Time{})
	for i := 0; i < 400; i++ {
		p.Likes = append(p.Likes, strings.Repeat("가", 3)+string(rune('a'+i%26)))
	}
	got := Summary(p)
	if len(got) > maxSummaryChars+len(", ...") {
		t.Errorf("summary length %d exceeds cap", len(got))
	}
	if !strings.HasSuffix(got, ", ...") {
		t.Errorf("expected truncation marker, got suffix %q", got[len(got)-10:])
	}
}
