package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/ollama"
	"github.com/kalambet/membot/internal/profile"
)

type reply struct {
	response string
	err      error
}

// mockChatter returns scripted replies in order; the last one repeats.
type mockChatter struct {
	mu      sync.Mutex
	replies []reply
	delay   time.Duration

	calls    int
	model    string
	messages []engine.Message
	schema   *engine.Schema
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.model = model
	m.messages = messages
	m.schema = jsonSchema
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return m.replies[i].response, m.replies[i].err
}

func (m *mockChatter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(c Chatter) *Processor {
	return NewProcessor(c, Options{
		Model:      "test-model",
		MaxRetries: 2,
		RetryWait:  time.Millisecond,
		Logger:     quietLogger(),
	})
}

func TestProcess_LearnsName(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"반가워요, 연규님!","new_name":"연규","new_likes":[],"new_dislikes":[]}`}}}
	p := newTestProcessor(mock)

	prof := profile.New("c1", time.Now())
	got, err := p.Process(context.Background(), prof, "내 이름은 연규야")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got.Response != "반가워요, 연규님!" {
		t.Errorf("Response = %q", got.Response)
	}
	if got.Delta.NewName != "연규" {
		t.Errorf("NewName = %q, want 연규", got.Delta.NewName)
	}
	if len(got.Delta.NewLikes) != 0 || len(got.Delta.NewDislikes) != 0 {
		t.Errorf("unexpected lists: %+v", got.Delta)
	}
	if mock.model != "test-model" {
		t.Errorf("model = %q", mock.model)
	}
	if mock.schema == nil || mock.schema.Required[0] != "response" {
		t.Errorf("schema not requested: %+v", mock.schema)
	}
}

func TestProcess_PromptCarriesProfile(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"회를 좋아하시죠."}`}}}
	p := newTestProcessor(mock)

	prof := profile.Merge(profile.New("c1", time.Now()), profile.Delta{NewName: "연규", NewLikes: []string{"회"}})
	if _, err := p.Process(context.Background(), prof, "내가 뭘 좋아하지?"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(mock.messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(mock.messages))
	}
	sys := mock.messages[0].Content
	if !strings.Contains(sys, "연규") || !strings.Contains(sys, "회") {
		t.Errorf("system prompt missing profile facts:\n%s", sys)
	}
	if mock.messages[1].Content != "내가 뭘 좋아하지?" {
		t.Errorf("user message = %q", mock.messages[1].Content)
	}
}

func TestProcess_DoesNotMutateProfile(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"ok","new_likes":["멍게"]}`}}}
	p := newTestProcessor(mock)

	prof := profile.Merge(profile.New("c1", time.Now()), profile.Delta{NewLikes: []string{"회"}})
	before := prof.Clone()
	if _, err := p.Process(context.Background(), prof, "멍게도 좋아"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !profile.SameFacts(prof, before) || prof.Version != before.Version {
		t.Errorf("profile mutated: %+v, want %+v", prof, before)
	}
}

func TestProcess_EmptyMessage(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"x"}`}}}
	p := newTestProcessor(mock)

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := p.Process(context.Background(), profile.New("c1", time.Now()), msg)
		if !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Process(%q) error = %v, want ErrEmptyMessage", msg, err)
		}
	}
	if mock.callCount() != 0 {
		t.Errorf("engine called %d times for empty messages", mock.callCount())
	}
}

func TestProcess_MalformedNotRetried(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: "I am not JSON"}}}
	p := newTestProcessor(mock)

	got, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("error = %v, want ErrMalformedResponse", err)
	}
	if !got.Delta.IsEmpty() || got.Response != "" {
		t.Errorf("result on error = %+v, want zero", got)
	}
	if mock.callCount() != 1 {
		t.Errorf("engine called %d times, want 1", mock.callCount())
	}
}

func TestProcess_RetriesTransientErrors(t *testing.T) {
	mock := &mockChatter{replies: []reply{
		{err: errors.New("connection reset")},
		{err: &ollama.StatusError{Op: "chat", StatusCode: 503}},
		{response: `{"response":"ok"}`},
	}}
	p := newTestProcessor(mock)

	got, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got.Response != "ok" {
		t.Errorf("Response = %q", got.Response)
	}
	if mock.callCount() != 3 {
		t.Errorf("engine called %d times, want 3", mock.callCount())
	}
}

func TestProcess_GivesUpAfterMaxRetries(t *testing.T) {
	mock := &mockChatter{replies: []reply{{err: errors.New("connection refused")}}}
	p := newTestProcessor(mock)

	_, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
	if mock.callCount() != 3 {
		t.Errorf("engine called %d times, want 3 (1 + 2 retries)", mock.callCount())
	}
}

func TestProcess_PermanentErrorNotRetried(t *testing.T) {
	mock := &mockChatter{replies: []reply{{err: &ollama.StatusError{Op: "chat", StatusCode: 404}}}}
	p := newTestProcessor(mock)

	_, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
	var se *ollama.StatusError
	if !errors.As(err, &se) || se.StatusCode != 404 {
		t.Errorf("engine error not preserved: %v", err)
	}
	if mock.callCount() != 1 {
		t.Errorf("engine called %d times, want 1", mock.callCount())
	}
}

func TestProcess_ZeroRetries(t *testing.T) {
	mock := &mockChatter{replies: []reply{{err: errors.New("boom")}}}
	p := NewProcessor(mock, Options{Logger: quietLogger()})

	if _, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello"); !errors.Is(err, ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
	if mock.callCount() != 1 {
		t.Errorf("engine called %d times, want 1", mock.callCount())
	}
}

func TestProcess_CanceledContext(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"late"}`}}, delay: 5 * time.Second}
	p := newTestProcessor(mock)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.Process(ctx, profile.New("c1", time.Now()), "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Process did not return promptly after cancel")
	}
	if mock.callCount() != 1 {
		t.Errorf("engine called %d times after cancel, want 1", mock.callCount())
	}
}

func TestProcess_AttemptTimeout(t *testing.T) {
	mock := &mockChatter{replies: []reply{{response: `{"response":"slow"}`}}, delay: time.Second}
	p := NewProcessor(mock, Options{
		Timeout:    10 * time.Millisecond,
		MaxRetries: 1,
		RetryWait:  time.Millisecond,
		Logger:     quietLogger(),
	})

	_, err := p.Process(context.Background(), profile.New("c1", time.Now()), "hello")
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want ErrGeneration wrapping DeadlineExceeded", err)
	}
	if mock.callCount() != 2 {
		t.Errorf("engine called %d times, want 2", mock.callCount())
	}
}
