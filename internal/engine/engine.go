package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tmc/langchaingo/llms"

	"github.com/kalambet/membot/internal/ollama"
)

// Engine abstracts a language-generation backend (local Ollama or a hosted
// API). The turn processor depends on this interface instead of a concrete
// client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelManager is implemented by engines that manage locally installed models.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Provider names accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config selects and configures an engine.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Temperature float64
}

// New builds the engine named by cfg.Provider.
func New(cfg Config) (Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllamaEngine(baseURL, cfg.Temperature), nil
	case ProviderOpenAI:
		return NewOpenAIEngine(cfg)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic engine: api key is required")
		}
		return NewAnthropicEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return string(anthropic.ModelClaude3_7SonnetLatest)
	default:
		return "llama3.2"
	}
}

// IsPermanent reports whether err is a request the backend rejected outright,
// so retrying the same call cannot succeed. Rate limits and server errors are
// not permanent.
func IsPermanent(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ose *ollama.StatusError
	if errors.As(err, &ose) {
		return permanentStatus(ose.StatusCode)
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return permanentStatus(ae.StatusCode)
	}
	var le *llms.Error
	if errors.As(err, &le) {
		return permanentCode(le.Code)
	}
	return false
}

// permanentCode classifies langchaingo's provider-neutral error codes.
func permanentCode(code llms.ErrorCode) bool {
	switch code {
	case llms.ErrCodeAuthentication, llms.ErrCodeInvalidRequest, llms.ErrCodeResourceNotFound,
		llms.ErrCodeTokenLimit, llms.ErrCodeContentFilter, llms.ErrCodeQuotaExceeded,
		llms.ErrCodeNotImplemented, llms.ErrCodeCanceled:
		return true
	}
	return false
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}
