package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/membot/internal/conversation"
	"github.com/kalambet/membot/internal/profile"
	"github.com/kalambet/membot/internal/turn"
)

func doRequest(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", w.Body.String(), err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestService(t, nil), AuthConfig{Token: "secret"})
	w := doRequest(t, h, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"status":"ok"}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestPostMessage(t *testing.T) {
	proc := &stubProcessor{results: map[string]turn.Result{
		"내 이름은 연규야": {Response: "반가워요, 연규님!", Delta: profile.Delta{NewName: "연규"}},
	}}
	h := NewHandler(newTestService(t, proc), AuthConfig{Token: "secret"})

	w := doRequest(t, h, http.MethodPost, "/v1/conversations/thread-1/messages", `{"message":"내 이름은 연규야"}`, "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var reply conversation.Reply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply.ConversationID != "thread-1" || reply.Response != "반가워요, 연규님!" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Profile.Name != "연규" || reply.Profile.Version != 1 {
		t.Errorf("profile = %+v", reply.Profile)
	}
	if reply.TurnID.String() == "" {
		t.Error("turn_id missing")
	}

	w = doRequest(t, h, http.MethodGet, "/v1/conversations/thread-1/profile", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("profile status = %d", w.Code)
	}
	var p profile.Profile
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decoding profile: %v", err)
	}
	if p.Name != "연규" {
		t.Errorf("stored name = %q", p.Name)
	}
}

func TestPostMessage_EscapedIDsDecodedOnce(t *testing.T) {
	proc := &stubProcessor{results: map[string]turn.Result{
		"I'm Ann": {Response: "Hi Ann", Delta: profile.Delta{NewName: "Ann"}},
	}}
	svc := newTestService(t, proc)
	h := NewHandler(svc, AuthConfig{Token: "secret"})

	for _, id := range []string{"50%off", "a%41", "team/a b", "100%"} {
		t.Run(id, func(t *testing.T) {
			path := "/v1/conversations/" + url.PathEscape(id) + "/messages"
			w := doRequest(t, h, http.MethodPost, path, `{"message":"I'm Ann"}`, "secret")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			var reply conversation.Reply
			if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
				t.Fatalf("decoding reply: %v", err)
			}
			if reply.ConversationID != id {
				t.Errorf("conversation_id = %q, want %q", reply.ConversationID, id)
			}

			w = doRequest(t, h, http.MethodGet, "/v1/conversations/"+url.PathEscape(id)+"/profile", "", "secret")
			var p profile.Profile
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("decoding profile: %v", err)
			}
			if p.ConversationID != id || p.Name != "Ann" {
				t.Errorf("profile = %+v", p)
			}
		})
	}

	// "a%41" must not have touched the conversation "aA".
	other, err := svc.Profile(context.Background(), "aA")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if other.Name != "" || other.Version != 0 {
		t.Errorf("unrelated conversation changed: %+v", other)
	}
}

func TestPostMessage_ErrorMapping(t *testing.T) {
	proc := &stubProcessor{errs: map[string]error{
		"garbled": fmt.Errorf("%w: not a JSON object", turn.ErrMalformedResponse),
		"down":    fmt.Errorf("%w: connection refused", turn.ErrGeneration),
		"broken":  fmt.Errorf("disk on fire"),
	}}
	h := NewHandler(newTestService(t, proc), AuthConfig{Token: "secret"})

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantType string
	}{
		{"bad json", "/v1/conversations/c1/messages", `{"message":`, http.StatusBadRequest, "invalid_request_error"},
		{"empty message", "/v1/conversations/c1/messages", `{"message":"  "}`, http.StatusBadRequest, "invalid_request_error"},
		{"blank id", "/v1/conversations/%20/messages", `{"message":"hi"}`, http.StatusBadRequest, "invalid_request_error"},
		{"long id", "/v1/conversations/" + strings.Repeat("x", 129) + "/messages", `{"message":"hi"}`, http.StatusBadRequest, "invalid_request_error"},
		{"malformed", "/v1/conversations/c1/messages", `{"message":"garbled"}`, http.StatusUnprocessableEntity, "malformed_response"},
		{"generation", "/v1/conversations/c1/messages", `{"message":"down"}`, http.StatusBadGateway, "generation_error"},
		{"internal", "/v1/conversations/c1/messages", `{"message":"broken"}`, http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, http.MethodPost, tt.path, tt.body, "secret")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if got := errorType(t, w); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestGetProfile_UnknownIsEmpty(t *testing.T) {
	h := NewHandler(newTestService(t, nil), AuthConfig{Token: "secret"})
	w := doRequest(t, h, http.MethodGet, "/v1/conversations/nobody/profile", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var p profile.Profile
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if p.ConversationID != "nobody" || p.Likes == nil || len(p.Likes) != 0 {
		t.Errorf("profile = %+v", p)
	}
}

func TestDeleteConversation(t *testing.T) {
	proc := &stubProcessor{results: map[string]turn.Result{
		"like": {Response: "ok", Delta: profile.Delta{NewLikes: []string{"회"}}},
	}}
	svc := newTestService(t, proc)
	h := NewHandler(svc, AuthConfig{Token: "secret"})

	doRequest(t, h, http.MethodPost, "/v1/conversations/c1/messages", `{"message":"like"}`, "secret")
	w := doRequest(t, h, http.MethodDelete, "/v1/conversations/c1", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"reset"`) {
		t.Errorf("body = %s", w.Body.String())
	}

	p, err := svc.Profile(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if len(p.Likes) != 0 {
		t.Errorf("likes after reset = %v", p.Likes)
	}
}

func TestListConversations(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHandler(svc, AuthConfig{Token: "secret"})
	for _, id := range []string{"a", "b", "c"} {
		if w := doRequest(t, h, http.MethodPost, "/v1/conversations/"+id+"/messages", `{"message":"hi"}`, "secret"); w.Code != http.StatusOK {
			t.Fatalf("post %s: %d", id, w.Code)
		}
	}

	w := doRequest(t, h, http.MethodGet, "/v1/conversations?limit=2", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Conversations []profile.Profile `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Conversations) != 2 {
		t.Errorf("got %d conversations, want 2", len(body.Conversations))
	}

	for _, bad := range []string{"0", "-1", "abc"} {
		w := doRequest(t, h, http.MethodGet, "/v1/conversations?limit="+bad, "", "secret")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, w.Code)
		}
	}
}

func TestListConversations_EmptyIsArray(t *testing.T) {
	h := NewHandler(newTestService(t, nil), AuthConfig{Token: "secret"})
	w := doRequest(t, h, http.MethodGet, "/v1/conversations", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"conversations":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
