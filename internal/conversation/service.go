// Package conversation runs complete chat turns: it resolves the
// conversation's profile, asks the turn processor for a reply, and applies
// the learned facts in the order the turns were submitted.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/session"
	"github.com/kalambet/membot/internal/turn"
)

// ProfileStore is the subset of profile.Store used by the service.
type ProfileStore interface {
	session.ProfileSource
	Get(ctx context.Context, id string) (profile.Profile, error)
	Apply(ctx context.Context, id string, d profile.Delta) (profile.Profile, error)
	Reset(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]profile.Profile, error)
}

// TurnProcessor produces a reply and a delta for one message.
type TurnProcessor interface {
	Process(ctx context.Context, p profile.Profile, message string) (turn.Result, error)
}

// Reply is what a caller gets back for one turn.
type Reply struct {
	ConversationID string          `json:"conversation_id"`
	TurnID         uuid.UUID       `json:"turn_id"`
	Response       string          `json:"response"`
	Profile        profile.Profile `json:"profile"`
}

// Service handles chat turns for many conversations at once.
type Service struct {
	store     ProfileStore
	router    *session.Router
	processor TurnProcessor
	chain     *chain
	logger    *slog.Logger
}

// NewService creates a Service. A nil logger uses slog.Default().
func NewService(store ProfileStore, processor TurnProcessor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		router:    session.NewRouter(store),
		processor: processor,
		chain:     newChain(),
		logger:    logger,
	}
}

// Handle runs one turn for conversationID. Turns for the same conversation
// are applied in submission order; turns for different conversations run
// independently. If ctx is done before the turn's facts are applied, the
// turn is discarded and later turns proceed.
func (s *Service) Handle(ctx context.Context, conversationID, message string) (Reply, error) {
	id, err := session.NormalizeID(conversationID)
	if err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(message) == "" {
		return Reply{}, turn.ErrEmptyMessage
	}
	turnID := uuid.New()
	log := s.logger.With("conversation_id", id, "turn_id", turnID)

	t := s.chain.take(id)
	start := time.Now()

	prof, err := s.router.Resolve(ctx, id)
	if err != nil {
		s.chain.releaseInOrder(t)
		return Reply{}, err
	}

	res, err := s.processor.Process(ctx, prof, message)
	if err != nil {
		s.chain.releaseInOrder(t)
		if !errors.Is(err, context.Canceled) {
			log.Warn("turn failed", "error", err)
		}
		return Reply{}, err
	}

	select {
	case <-t.ready():
	case <-ctx.Done():
		s.chain.releaseInOrder(t)
		log.Info("turn abandoned before apply")
		return Reply{}, fmt.Errorf("turn abandoned: %w", ctx.Err())
	}

	updated, err := s.store.Apply(ctx, id, res.Delta)
	s.chain.release(t)
	if err != nil {
		log.Error("applying turn", "error", err)
		return Reply{}, err
	}

	log.Info("turn applied",
		"version", updated.Version,
		"changed", updated.Version != prof.Version,
		"duration", time.Since(start),
	)
	return Reply{
		ConversationID: id,
		TurnID:         turnID,
		Response:       res.Response,
		Profile:        updated,
	}, nil
}

// Profile returns the stored profile for conversationID, or an empty one
// that is not persisted when the conversation has not been seen.
func (s *Service) Profile(ctx context.Context, conversationID string) (profile.Profile, error) {
	id, err := session.NormalizeID(conversationID)
	if err != nil {
		return profile.Profile{}, err
	}
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.New(id, time.Now().UTC()), nil
	}
	return p, err
}

// Reset forgets everything remembered for conversationID. It is ordered
// with the conversation's turns: turns submitted earlier are applied first.
func (s *Service) Reset(ctx context.Context, conversationID string) error {
	id, err := session.NormalizeID(conversationID)
	if err != nil {
		return err
	}

	t := s.chain.take(id)
	select {
	case <-t.ready():
	case <-ctx.Done():
		s.chain.releaseInOrder(t)
		return ctx.Err()
	}
	err = s.store.Reset(ctx, id)
	s.chain.release(t)
	if err != nil {
		return err
	}
	s.logger.Info("conversation reset", "conversation_id", id)
	return nil
}

// List returns up to limit profiles, most recently updated first.
func (s *Service) List(ctx context.Context, limit int) ([]profile.Profile, error) {
	return s.store.List(ctx, limit)
}
