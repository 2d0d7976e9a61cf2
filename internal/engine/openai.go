package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEngine talks to OpenAI or any OpenAI-compatible server through
// langchaingo.
type OpenAIEngine struct {
	llm         llms.Model
	temperature float64
}

var _ Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine creates an engine from cfg. BaseURL is optional.
func NewOpenAIEngine(cfg Config) (*OpenAIEngine, error) {
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai engine: %w", err)
	}
	return &OpenAIEngine{llm: llm, temperature: cfg.Temperature}, nil
}

// newOpenAIEngineWithModel wraps an existing langchaingo model.
func newOpenAIEngineWithModel(llm llms.Model, temperature float64) *OpenAIEngine {
	return &OpenAIEngine{llm: llm, temperature: temperature}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages)+1)
	for _, m := range messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	opts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithTemperature(e.temperature),
	}
	if jsonSchema != nil {
		// JSON mode requires the word "JSON" in the prompt and guarantees an
		// object, not a shape, so the schema itself rides along as text.
		schema, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem,
			"Respond with a single JSON object matching this JSON schema: "+string(schema)))
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := e.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", classifyOpenAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty choices")
	}
	return resp.Choices[0].Content, nil
}

// IsRunning always reports true: hosted APIs have no cheap liveness probe,
// so failures surface on the first Chat call.
func (e *OpenAIEngine) IsRunning(context.Context) bool {
	return true
}

// classifyOpenAIError attaches a langchaingo error code to err, keeping the
// upstream text when the mapped message replaced it.
func classifyOpenAIError(err error) error {
	mapped := openai.MapError(err)
	if strings.Contains(mapped.Error(), err.Error()) {
		return mapped
	}
	return fmt.Errorf("%w: %v", mapped, err)
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
