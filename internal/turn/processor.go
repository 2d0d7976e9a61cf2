// Package turn turns one user message into a reply plus the profile changes
// it implies, by asking a generation engine for a structured answer.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/profile"
)

var (
	// ErrEmptyMessage is returned for a message that is blank after trimming.
	ErrEmptyMessage = errors.New("empty message")
	// ErrGeneration wraps engine failures. The turn may be retried.
	ErrGeneration = errors.New("generation failed")
	// ErrMalformedResponse means the engine answered with something that is
	// not a valid structured answer.
	ErrMalformedResponse = errors.New("malformed model response")
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRetryWait = 500 * time.Millisecond
	maxLoggedAnswer  = 512
)

// Chatter is the part of engine.Engine the processor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Result is the outcome of one processed turn.
type Result struct {
	Response string
	Delta    profile.Delta
}

// Options tunes a Processor. Zero values select defaults.
type Options struct {
	Model      string
	Timeout    time.Duration // per engine call
	MaxRetries int           // extra attempts after a transient failure
	RetryWait  time.Duration // initial backoff interval
	Logger     *slog.Logger
}

// Processor derives (response, delta) pairs from messages.
type Processor struct {
	client     Chatter
	model      string
	timeout    time.Duration
	maxRetries int
	retryWait  time.Duration
	logger     *slog.Logger
}

// NewProcessor creates a Processor using the given engine.
func NewProcessor(client Chatter, opts Options) *Processor {
	p := &Processor{
		client:     client,
		model:      opts.Model,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryWait:  opts.RetryWait,
		logger:     opts.Logger,
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.retryWait <= 0 {
		p.retryWait = defaultRetryWait
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Process asks the engine for a reply to message given the profile as
// context. The profile is never modified; all learned facts come back in
// the delta. On any error no delta is returned.
func (p *Processor) Process(ctx context.Context, prof profile.Profile, message string) (Result, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Result{}, ErrEmptyMessage
	}

	messages := BuildPrompt(prof, message)
	schema := answerSchema()

	var (
		result  Result
		attempt int
	)
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		raw, err := p.client.Chat(callCtx, p.model, messages, schema)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			err = fmt.Errorf("%w: %w", ErrGeneration, err)
			if engine.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			p.logger.Warn("generation attempt failed",
				"conversation_id", prof.ConversationID, "attempt", attempt, "error", err)
			return err
		}

		r, err := parseAnswer(raw)
		if err != nil {
			p.logger.Warn("malformed model answer",
				"conversation_id", prof.ConversationID, "error", err, "answer", truncate(raw, maxLoggedAnswer))
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.maxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("turn abandoned: %w", ctx.Err())
			}
		}
		return Result{}, err
	}

	p.logger.Debug("turn processed",
		"conversation_id", prof.ConversationID,
		"attempts", attempt,
		"new_name", result.Delta.NewName != "",
		"new_likes", len(result.Delta.NewLikes),
		"new_dislikes", len(result.Delta.NewDislikes),
	)
	return result, nil
}
