package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMaxTokens caps a single reply.
const anthropicMaxTokens = 1024

// AnthropicEngine talks to the Anthropic Messages API.
type AnthropicEngine struct {
	client      *anthropic.Client
	temperature float64
}

var _ Engine = (*AnthropicEngine)(nil)

// NewAnthropicEngine creates an engine from cfg. BaseURL is optional.
func NewAnthropicEngine(cfg Config, extra ...option.RequestOption) *AnthropicEngine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	c := anthropic.NewClient(opts...)
	return &AnthropicEngine{client: &c, temperature: cfg.Temperature}
}

func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	var (
		system []string
		conv   []anthropic.MessageParam
	)
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			conv = append(conv, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if jsonSchema != nil {
		schema, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		system = append(system, "Respond with a single JSON object matching this JSON schema and nothing else: "+string(schema))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(anthropicMaxTokens),
		Messages:    conv,
		Temperature: anthropic.Float(e.temperature),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

// IsRunning always reports true: hosted APIs have no cheap liveness probe,
// so failures surface on the first Chat call.
func (e *AnthropicEngine) IsRunning(context.Context) bool {
	return true
}
