package api

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/storage/memory"
	"github.com/kalambet/membot/internal/turn"
)

// stubProcessor answers from fixed tables keyed by message.
type stubProcessor struct {
	results map[string]turn.Result
	errs    map[string]error
}

func (s *stubProcessor) Process(ctx context.Context, _ profile.Profile, message string) (turn.Result, error) {
	if err := ctx.Err(); err != nil {
		return turn.Result{}, err
	}
	if err, ok := s.errs[message]; ok {
		return turn.Result{}, err
	}
	if r, ok := s.results[message]; ok {
		return r, nil
	}
	return turn.Result{Response: "ok"}, nil
}

func newTestService(t *testing.T, proc *stubProcessor) *conversation.Service {
	t.Helper()
	if proc == nil {
		proc = &stubProcessor{}
	}
	store := profile.NewStore(memory.New(), 0)
	return conversation.NewService(store, proc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
