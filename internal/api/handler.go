package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/session"
	"github.com/kalambet/membot/internal/turn"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 50
	maxListLimit       = 500
)

// ConversationService is what the HTTP and MCP layers call into.
type ConversationService interface {
	Handle(ctx context.Context, conversationID, message string) (conversation.Reply, error)
	Profile(ctx context.Context, conversationID string) (profile.Profile, error)
	Reset(ctx context.Context, conversationID string) error
	List(ctx context.Context, limit int) ([]profile.Profile, error)
}

// MessageRequest is the body of POST /v1/conversations/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// NewHandler returns the REST API for conversations.
func NewHandler(svc ConversationService, auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(auth))
		r.Get("/v1/conversations", handleList(svc))
		r.Post("/v1/conversations/{id}/messages", handleMessage(svc))
		r.Get("/v1/conversations/{id}/profile", handleProfile(svc))
		r.Delete("/v1/conversations/{id}", handleReset(svc))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleMessage(svc ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		reply, err := svc.Handle(r.Context(), id, req.Message)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, reply)
	}
}

func handleProfile(svc ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		p, err := svc.Profile(r.Context(), id)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, p)
	}
}

func handleReset(svc ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		if err := svc.Reset(r.Context(), id); err != nil {
			serviceError(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"status": "reset"})
	}
}

func handleList(svc ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowed(r.Context(), AllConversations) {
			httpError(w, http.StatusForbidden, "permission_error", "token is scoped to a single conversation")
			return
		}

		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		profiles, err := svc.List(r.Context(), limit)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		if profiles == nil {
			profiles = []profile.Profile{}
		}
		writeJSON(w, map[string]any{"conversations": profiles})
	}
}

// conversationID extracts, validates, and authorizes the {id} path parameter.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	// chi matches on RawPath when it is set, and then the segment is still escaped.
	raw := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		var err error
		raw, err = url.PathUnescape(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid conversation id")
			return "", false
		}
	}
	id, err := session.NormalizeID(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return "", false
	}
	if !allowed(r.Context(), id) {
		httpError(w, http.StatusForbidden, "permission_error", "token does not grant access to this conversation")
		return "", false
	}
	return id, true
}

// serviceError maps service errors to HTTP responses.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidConversationID), errors.Is(err, turn.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, turn.ErrMalformedResponse):
		httpError(w, http.StatusUnprocessableEntity, "malformed_response", "the model returned an unusable answer; the profile was not changed")
	case errors.Is(err, turn.ErrGeneration):
		httpError(w, http.StatusBadGateway, "generation_error", "%v", err)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nobody is left to read a response.
		slog.Debug("request canceled", "path", r.URL.Path)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
