package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/turn"
)

type stubHandler struct {
	replies map[string]conversation.Reply
	errs    map[string]error
	seen    []string
}

func (s *stubHandler) Handle(_ context.Context, id, message string) (conversation.Reply, error) {
	s.seen = append(s.seen, id+":"+message)
	if err, ok := s.errs[message]; ok {
		return conversation.Reply{}, err
	}
	return s.replies[message], nil
}

func TestRunChat(t *testing.T) {
	h := &stubHandler{
		replies: map[string]conversation.Reply{
			"I'm Ann": {Response: "Hi Ann!", Profile: profile.Profile{Name: "Ann"}},
		},
		errs: map[string]error{
			"gibberish": fmt.Errorf("wrapped: %w", turn.ErrMalformedResponse),
			"boom":      fmt.Errorf("%w: engine down", turn.ErrGeneration),
		},
	}
	in := strings.NewReader("I'm Ann\n\n  \ngibberish\nboom\nexit\nnever sent\n")
	var out bytes.Buffer

	if err := runChat(context.Background(), h, "c1", in, &out, true); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	want := []string{"c1:I'm Ann", "c1:gibberish", "c1:boom"}
	if strings.Join(h.seen, "|") != strings.Join(want, "|") {
		t.Errorf("handled %v, want %v", h.seen, want)
	}
	got := out.String()
	for _, s := range []string{"Hi Ann!", "Ann", fallbackReply, "engine down"} {
		if !strings.Contains(got, s) {
			t.Errorf("output missing %q:\n%s", s, got)
		}
	}
}

func TestRunChat_EOF(t *testing.T) {
	h := &stubHandler{replies: map[string]conversation.Reply{"hi": {Response: "hello"}}}
	var out bytes.Buffer
	if err := runChat(context.Background(), h, "c1", strings.NewReader("hi"), &out, false); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(h.seen) != 1 || !strings.Contains(out.String(), "hello") {
		t.Errorf("seen = %v, output = %q", h.seen, out.String())
	}
}

func TestRunChat_CanceledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &stubHandler{errs: map[string]error{"hi": fmt.Errorf("turn abandoned: %w", context.Canceled)}}

	var out bytes.Buffer
	if err := runChat(ctx, h, "c1", strings.NewReader("hi\nagain\n"), &out, false); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(h.seen) != 1 {
		t.Errorf("seen = %v, want one turn before stopping", h.seen)
	}
	if strings.Contains(out.String(), "error:") {
		t.Errorf("cancellation printed as error: %q", out.String())
	}
}

func TestRunChat_QuitCaseInsensitive(t *testing.T) {
	h := &stubHandler{}
	if err := runChat(context.Background(), h, "c1", strings.NewReader("QUIT\nhi\n"), &bytes.Buffer{}, false); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(h.seen) != 0 {
		t.Errorf("seen = %v", h.seen)
	}
}
