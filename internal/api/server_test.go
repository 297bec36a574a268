package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wejdan/chat-app/internal/ai"
	"github.com/wejdan/chat-app/internal/auth"
	"github.com/wejdan/chat-app/internal/chat"
)

// nullSender satisfies chat.Sender for registry entries in API tests.
type nullSender struct{}

func (nullSender) WriteMessage(data []byte) error { return nil }

// newTestMux builds the API server with a fake provider backend and returns
// the HTTP mux plus its collaborators.
func newTestMux(t *testing.T, providerHandler http.HandlerFunc) (*http.ServeMux, *chat.Registry, *Server) {
	t.Helper()

	registry := chat.NewRegistry()
	recent := chat.NewMessageBuffer()

	directory := ai.NewDirectory(nil)
	if providerHandler != nil {
		backend := httptest.NewServer(providerHandler)
		t.Cleanup(backend.Close)
		directory = ai.NewDirectory([]ai.Provider{{
			Name:     "Fake",
			Endpoint: backend.URL,
			APIKey:   "key",
			Models:   []string{"test-model"},
			Priority: 1,
			Dialect:  ai.DialectOpenAI,
		}})
	}

	server := NewServer(ai.NewOrchestrator(directory), registry, recent)
	mux := http.NewServeMux()
	server.Register(mux.Handle)
	return mux, registry, server
}

func TestChatEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"answer"}}],"usage":{"total_tokens":5}}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"model":"test-model","message":"question"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Content  string `json:"content"`
		Model    string `json:"model"`
		Tokens   int    `json:"tokens"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Content != "answer" || resp.Tokens != 5 || resp.Provider != "Fake" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestChatEndpointNoProviderIs503(t *testing.T) {
	mux, _, _ := newTestMux(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"model":"ghost-model","message":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestChatEndpointProviderFailureIs502(t *testing.T) {
	mux, _, _ := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"model":"test-model","message":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestChatEndpointRejectsEmptyBody(t *testing.T) {
	mux, _, _ := newTestMux(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatStreamFraming(t *testing.T) {
	mux, _, _ := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range []string{"to", "ken"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		strings.NewReader(`{"model":"test-model","message":"q"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	body := rec.Body.String()
	want := []string{
		`data: {"content":"to","done":false}`,
		`data: {"content":"ken","done":false}`,
		"data: [DONE]",
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("body missing %q:\n%s", line, body)
		}
	}
	if !strings.HasSuffix(strings.TrimRight(body, "\n"), "data: [DONE]") {
		t.Errorf("stream must end with the [DONE] sentinel:\n%s", body)
	}
}

func TestModelsEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0] != "test-model" {
		t.Errorf("expected [test-model], got %v", resp.Models)
	}
}

func TestRecentMessagesEndpoint(t *testing.T) {
	registry := chat.NewRegistry()
	recent := chat.NewMessageBuffer()
	recent.Add(chat.RecentMessage{SenderID: 1, SenderName: "alice", Content: "hi", Ts: 100})

	server := NewServer(ai.NewOrchestrator(ai.NewDirectory(nil)), registry, recent)
	mux := http.NewServeMux()
	server.Register(mux.Handle)

	req := httptest.NewRequest(http.MethodGet, "/api/messages/recent", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Messages []chat.RecentMessage `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hi" {
		t.Errorf("unexpected messages %v", resp.Messages)
	}
}

func TestOnlineUsersFromLocalRegistry(t *testing.T) {
	mux, registry, _ := newTestMux(t, nil)

	registry.Register("s1", nullSender{})
	registry.Identify("s1", 1, "alice")
	registry.Register("s2", nullSender{})
	// s2 never identifies: it must not appear in the roster.

	req := httptest.NewRequest(http.MethodGet, "/api/users/online", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp struct {
		Users []struct {
			UserID   int64  `json:"userId"`
			UserName string `json:"userName"`
		} `json:"users"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Count != 1 || len(resp.Users) != 1 || resp.Users[0].UserName != "alice" {
		t.Errorf("unexpected roster %+v", resp)
	}
}

func TestMessagesWithoutHistoryIs503(t *testing.T) {
	mux, _, _ := newTestMux(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/messages", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	registry := chat.NewRegistry()
	issuer, _ := auth.NewIssuer("api-test-secret")

	server := NewServer(ai.NewOrchestrator(ai.NewDirectory(nil)), registry, chat.NewMessageBuffer()).
		WithAuth(issuer)
	mux := http.NewServeMux()
	server.Register(mux.Handle)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"userId":42,"userName":"alice"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}

	claims, err := issuer.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token did not verify: %v", err)
	}
	if claims.UserID != 42 || claims.UserName != "alice" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestLoginRejectsMissingIdentity(t *testing.T) {
	registry := chat.NewRegistry()
	issuer, _ := auth.NewIssuer("api-test-secret")

	server := NewServer(ai.NewOrchestrator(ai.NewDirectory(nil)), registry, chat.NewMessageBuffer()).
		WithAuth(issuer)
	mux := http.NewServeMux()
	server.Register(mux.Handle)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// denyLimiter rejects every AI request.
type denyLimiter struct{}

func (denyLimiter) AllowAI(ctx context.Context, identifier string) (bool, error) {
	return false, nil
}

func TestChatEndpointRateLimited(t *testing.T) {
	mux, _, server := newTestMux(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called when rate limited")
	})
	server.WithRateLimiter(denyLimiter{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"model":"test-model","message":"question"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
