package turn

import (
	"fmt"

	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/profile"
)

const systemPromptTemplate = `You are a memory bot that remembers what the user tells you about themselves.
Currently remembered:
%s

Analyze the user's message and answer with ONLY a single JSON object of this shape:
{
  "response": "your reply to the user",
  "new_name": "the user's name if this message states it, otherwise null",
  "new_likes": ["things this message says the user likes"],
  "new_dislikes": ["things this message says the user dislikes"]
}

Rules:
- Reply in the language the user writes in.
- List only facts stated in this message; use empty lists when there are none.
- Use the remembered facts to answer questions about the user.`

// BuildPrompt constructs the chat messages for one turn. The profile is
// read only.
func BuildPrompt(p profile.Profile, message string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, profile.Summary(p))},
		{Role: "user", Content: message},
	}
}
