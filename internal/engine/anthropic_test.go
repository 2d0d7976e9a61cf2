package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

type capture struct {
	url  string
	body []byte
}

type fakeTransport struct {
	respStatus int
	respBody   []byte
	captured   *capture
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if f.captured != nil {
		f.captured.url = req.URL.String()
		f.captured.body = b
	}
	resp := &http.Response{
		StatusCode: f.respStatus,
		Body:       io.NopCloser(bytes.NewReader(f.respBody)),
		Header:     make(http.Header),
		Request:    req,
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

func newTestAnthropicEngine(rt http.RoundTripper) *AnthropicEngine {
	return NewAnthropicEngine(Config{APIKey: "test-key", Temperature: 0.2},
		option.WithHTTPClient(&http.Client{Transport: rt}),
		option.WithMaxRetries(0),
	)
}

const anthropicOK = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-3-7-sonnet-latest",
	"content": [{"type": "text", "text": "{\"response\":"}, {"type": "text", "text": "\"hi\"}"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 5}
}`

func TestAnthropicEngine_Chat(t *testing.T) {
	capt := &capture{}
	e := newTestAnthropicEngine(&fakeTransport{respStatus: 200, respBody: []byte(anthropicOK), captured: capt})

	schema := &Schema{Type: "object", Properties: map[string]SchemaProperty{"response": {Type: "string"}}}
	got, err := e.Chat(context.Background(), "claude-3-7-sonnet-latest", []Message{
		{Role: "system", Content: "You remember things."},
		{Role: "user", Content: "hi"},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != `{"response":"hi"}` {
		t.Errorf("got %q", got)
	}

	if !strings.HasSuffix(capt.url, "/v1/messages") {
		t.Errorf("url = %q", capt.url)
	}

	var req struct {
		Model    string `json:"model"`
		System   []struct {
			Text string `json:"text"`
		} `json:"system"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(capt.body, &req); err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	if req.Model != "claude-3-7-sonnet-latest" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.System) != 1 || !strings.Contains(req.System[0].Text, "You remember things.") || !strings.Contains(req.System[0].Text, "JSON schema") {
		t.Errorf("system = %+v", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestAnthropicEngine_ChatAuthErrorIsPermanent(t *testing.T) {
	body := `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`
	e := newTestAnthropicEngine(&fakeTransport{respStatus: 401, respBody: []byte(body)})

	_, err := e.Chat(context.Background(), "claude-3-7-sonnet-latest", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = false, want true", err)
	}
}

func TestAnthropicEngine_ChatOverloadedIsTransient(t *testing.T) {
	body := `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`
	e := newTestAnthropicEngine(&fakeTransport{respStatus: 529, respBody: []byte(body)})

	_, err := e.Chat(context.Background(), "claude-3-7-sonnet-latest", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = true, want false", err)
	}
}
