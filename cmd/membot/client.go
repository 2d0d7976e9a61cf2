package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/membot/internal/api"
	"github.com/kalambet/membot/internal/config"
	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/profile"
)

// cliTokenTTL bounds the lifetime of tokens minted for a single CLI call.
const cliTokenTTL = 5 * time.Minute

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token := cfg.Auth.Token
	if token == "" && cfg.Auth.JWTSecret != "" {
		token, err = api.IssueToken(cfg.Auth.JWTSecret, api.AllConversations, cliTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("minting API token: %w", err)
		}
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: clientTimeout(cfg.Engine)},
	}, nil
}

// clientTimeout leaves room for every engine attempt the server may make.
func clientTimeout(cfg config.EngineConfig) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	if attempts < 1 {
		attempts = 1
	}
	return cfg.Timeout*attempts + 30*time.Second
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is membot running? (%w)", err)
	}
	return resp, nil
}

func conversationPath(id string) string {
	return "/v1/conversations/" + url.PathEscape(id)
}

func (c *apiClient) sendMessage(ctx context.Context, id, message string) (conversation.Reply, error) {
	var reply conversation.Reply
	resp, err := c.do(ctx, http.MethodPost, conversationPath(id)+"/messages", api.MessageRequest{Message: message})
	if err != nil {
		return reply, err
	}
	return reply, decodeJSON(resp, &reply)
}

func (c *apiClient) getProfile(ctx context.Context, id string) (profile.Profile, error) {
	var p profile.Profile
	resp, err := c.do(ctx, http.MethodGet, conversationPath(id)+"/profile", nil)
	if err != nil {
		return p, err
	}
	return p, decodeJSON(resp, &p)
}

func (c *apiClient) resetConversation(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, conversationPath(id), nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) listConversations(ctx context.Context, limit int) ([]profile.Profile, error) {
	path := "/v1/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conversations []profile.Profile `json:"conversations"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// decodeJSON reads a response body into v. A nil v discards the body.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
