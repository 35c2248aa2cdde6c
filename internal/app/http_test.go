package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldops/api/internal/auth"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestHandler(fs *fakeStore) http.Handler {
	return NewHTTPServer(newTestService(fs, &fakeSearch{}), nil, "*").Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	var env envelope
	_ = json.Unmarshal(recorder.Body.Bytes(), &env)
	return recorder, env
}

func memberToken(t *testing.T, memberID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:   memberID,
		Scope: "scope1",
		Role:  role,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK || !env.OK {
		t.Errorf("health = %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestReadyEndpoint(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusOK || !env.OK {
		t.Errorf("ready = %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodGet, "/api/nothing", "", nil)
	if recorder.Code != http.StatusNotFound || env.Error.Code != "NOT_FOUND" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestChatRejectsUnknownAction(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", "", map[string]any{
		"action":     "mutate",
		"scope_id":   "scope1",
		"actor_id":   "sub",
		"actor_role": "RANK",
	})
	if recorder.Code != http.StatusBadRequest || env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestChatSendWithDirectorToken(t *testing.T) {
	fs := newScopedStore()
	handler := newTestHandler(fs)
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", "director-token", map[string]any{
		"action":   "send",
		"scope_id": "scope1",
		"kind":     "BROADCAST",
		"body":     "all hands",
	})
	if recorder.Code != http.StatusOK || !env.OK {
		t.Fatalf("got %d %s", recorder.Code, recorder.Body.String())
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fs.inserted))
	}
	if fs.inserted[0].SenderRole != "DIRECTOR" || fs.inserted[0].SenderMemberID != "" {
		t.Errorf("sender = %q/%s", fs.inserted[0].SenderMemberID, fs.inserted[0].SenderRole)
	}
}

func TestChatMemberTokenOverridesBodyActor(t *testing.T) {
	fs := newScopedStore()
	handler := newTestHandler(fs)
	token := memberToken(t, "sub", "RANK")
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", token, map[string]any{
		"action":     "send",
		"scope_id":   "scope1",
		"actor_id":   "lead",
		"actor_role": "LEADER_1",
		"kind":       "BROADCAST",
		"body":       "spoofed?",
	})
	if recorder.Code != http.StatusOK || !env.OK {
		t.Fatalf("got %d %s", recorder.Code, recorder.Body.String())
	}
	if fs.inserted[0].SenderMemberID != "sub" {
		t.Errorf("sender = %s, want the token subject", fs.inserted[0].SenderMemberID)
	}
}

func TestChatRejectsInvalidToken(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", "not-a-token", map[string]any{
		"action": "listConversations",
	})
	if recorder.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestChatArchiveForbiddenForRank(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", "", map[string]any{
		"action":          "listArchive",
		"scope_id":        "scope1",
		"actor_id":        "sub",
		"actor_role":      "RANK",
		"conversation_id": "cnv_x",
	})
	if recorder.Code != http.StatusForbidden || env.Error.Code != "FORBIDDEN" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestChatListConversations(t *testing.T) {
	fs := newScopedStore()
	handler := newTestHandler(fs)
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/chat", "", map[string]any{
		"action":     "listConversations",
		"scope_id":   "scope1",
		"actor_id":   "sub",
		"actor_role": "RANK",
	})
	if recorder.Code != http.StatusOK || !env.OK {
		t.Fatalf("got %d %s", recorder.Code, recorder.Body.String())
	}
	var items []map[string]any
	if err := json.Unmarshal(env.Data, &items); err != nil {
		t.Fatalf("data = %s", env.Data)
	}
	if len(items) != 1 || items[0]["kind"] != "BROADCAST" {
		t.Errorf("items = %v", items)
	}
}

func TestLoginEndpoint(t *testing.T) {
	fs := newScopedStore()
	svc := newTestService(fs, &fakeSearch{})
	if err := svc.SetPin(context.Background(), "scope1", "sub", "4912"); err != nil {
		t.Fatalf("SetPin failed: %v", err)
	}
	handler := NewHTTPServer(svc, nil, "*").Handler()

	recorder, env := doJSON(t, handler, http.MethodPost, "/api/login", "", map[string]any{
		"scope_id":  "scope1",
		"member_id": "sub",
		"pin":       "4912",
	})
	if recorder.Code != http.StatusOK || !env.OK {
		t.Fatalf("got %d %s", recorder.Code, recorder.Body.String())
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data = %s", env.Data)
	}
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("no token in login response")
	}
	if _, err := auth.ParseToken([]byte("test-secret"), token); err != nil {
		t.Errorf("login token does not parse: %v", err)
	}
}

func TestSetPinRequiresDirectorToken(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/members/pin", "", map[string]any{
		"scope_id":  "scope1",
		"member_id": "sub",
		"pin":       "4912",
	})
	if recorder.Code != http.StatusUnauthorized || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestSetPinWithDirectorToken(t *testing.T) {
	fs := newScopedStore()
	handler := newTestHandler(fs)
	recorder, env := doJSON(t, handler, http.MethodPost, "/api/members/pin", "director-token", map[string]any{
		"scope_id":  "scope1",
		"member_id": "sub",
		"pin":       "4912",
	})
	if recorder.Code != http.StatusOK || !env.OK {
		t.Fatalf("got %d %s", recorder.Code, recorder.Body.String())
	}
	if fs.members["sub"].PinHash == "" {
		t.Error("pin hash not stored")
	}
}

func TestAttachmentsUnavailableWithoutObjectStore(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	recorder, env := doJSON(t, handler, http.MethodGet, "/api/attachments/scope1/att_x.png", "", nil)
	if recorder.Code != http.StatusServiceUnavailable || env.Error.Code != "ATTACHMENTS_UNAVAILABLE" {
		t.Errorf("got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestHandler(newScopedStore())
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
