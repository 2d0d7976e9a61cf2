package turn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/membot/internal/engine"
	"github.com/kalambet/membot/internal/profile"
)

// answerSchema returns the JSON schema the engine is asked to follow.
func answerSchema() *engine.Schema {
	str := engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"response":     {Type: "string", Description: "Reply to the user"},
			"new_name":     {Type: "string", Description: "User's name if stated in this message, otherwise null"},
			"new_likes":    {Type: "array", Description: "Things the user newly said they like", Items: &str},
			"new_dislikes": {Type: "array", Description: "Things the user newly said they dislike", Items: &str},
		},
		Required: []string{"response"},
	}
}

// parseAnswer validates a raw engine answer and converts it to a Result.
// Every violation wraps ErrMalformedResponse.
func parseAnswer(raw string) (Result, error) {
	body := stripFence(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return Result{}, fmt.Errorf("%w: not a JSON object: %v", ErrMalformedResponse, err)
	}
	if fields == nil {
		return Result{}, fmt.Errorf("%w: not a JSON object", ErrMalformedResponse)
	}

	rawResp, ok := fields["response"]
	if !ok || isNull(rawResp) {
		return Result{}, fmt.Errorf("%w: missing response", ErrMalformedResponse)
	}
	var response string
	if err := json.Unmarshal(rawResp, &response); err != nil {
		return Result{}, fmt.Errorf("%w: response must be a string", ErrMalformedResponse)
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return Result{}, fmt.Errorf("%w: response is blank", ErrMalformedResponse)
	}

	var name string
	if v, ok := fields["new_name"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &name); err != nil {
			return Result{}, fmt.Errorf("%w: new_name must be a string or null", ErrMalformedResponse)
		}
	}

	likes, err := stringList(fields, "new_likes")
	if err != nil {
		return Result{}, err
	}
	dislikes, err := stringList(fields, "new_dislikes")
	if err != nil {
		return Result{}, err
	}

	return Result{
		Response: response,
		Delta: profile.Delta{
			NewName:     strings.TrimSpace(name),
			NewLikes:    likes,
			NewDislikes: dislikes,
		},
	}, nil
}

// stringList decodes an optional array of strings, trimming items and
// dropping blanks and repeats. A null item makes the answer malformed.
func stringList(fields map[string]json.RawMessage, key string) ([]string, error) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return nil, nil
	}
	var items []*string
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array of strings", ErrMalformedResponse, key)
	}

	var out []string
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%w: %s must not contain null", ErrMalformedResponse, key)
		}
		s := strings.TrimSpace(*item)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// stripFence removes one surrounding markdown code fence, if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := s[3 : len(s)-3]
	// Drop an info string such as "json" on the opening line.
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		if first := strings.TrimSpace(inner[:nl]); first == "" || !strings.ContainsAny(first, "{[") {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}

// truncate shortens s for logging without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
