package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func singleProviderDirectory(name, endpoint string, dialect Dialect) *Directory {
	return NewDirectory([]Provider{{
		Name:     name,
		Endpoint: endpoint,
		APIKey:   "test-key",
		Models:   []string{"test-model"},
		Priority: 1,
		Dialect:  dialect,
	}})
}

func TestSendOpenAIDialect(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices":[{"message":{"content":"hello from openai"}}],
			"usage":{"total_tokens":17}
		}`))
	}))
	defer srv.Close()

	o := NewOrchestrator(singleProviderDirectory("FakeOpenAI", srv.URL, DialectOpenAI))
	resp, err := o.Send(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if resp.Content != "hello from openai" {
		t.Errorf("expected content, got %q", resp.Content)
	}
	if resp.Tokens != 17 {
		t.Errorf("expected 17 tokens, got %d", resp.Tokens)
	}
	if resp.Provider != "FakeOpenAI" {
		t.Errorf("expected provider FakeOpenAI, got %q", resp.Provider)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody["model"] != "test-model" {
		t.Errorf("wire request missing model: %v", gotBody)
	}
	if gotBody["stream"] != false {
		t.Errorf("non-streaming call must send stream=false, got %v", gotBody["stream"])
	}
}

func TestSendGeminiDialect(t *testing.T) {
	var gotKey string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"hello from gemini"}]}}],
			"usageMetadata":{"totalTokenCount":9}
		}`))
	}))
	defer srv.Close()

	o := NewOrchestrator(singleProviderDirectory("FakeGemini", srv.URL, DialectGemini))
	resp, err := o.Send(context.Background(), Request{
		Model: "test-model",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if resp.Content != "hello from gemini" {
		t.Errorf("expected content, got %q", resp.Content)
	}
	if resp.Tokens != 9 {
		t.Errorf("expected 9 tokens, got %d", resp.Tokens)
	}
	if gotKey != "test-key" {
		t.Errorf("expected x-goog-api-key header, got %q", gotKey)
	}

	// Role remapping: assistant becomes "model" in the contents array.
	contents, ok := gotBody["contents"].([]interface{})
	if !ok || len(contents) != 2 {
		t.Fatalf("expected 2 contents entries, got %v", gotBody["contents"])
	}
	second := contents[1].(map[string]interface{})
	if second["role"] != "model" {
		t.Errorf("expected assistant remapped to model, got %v", second["role"])
	}
}

func TestSendNoProvider(t *testing.T) {
	o := NewOrchestrator(NewDirectory(nil))

	_, err := o.Send(context.Background(), Request{Model: "anything"})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestSendProviderErrorBecomesCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	o := NewOrchestrator(singleProviderDirectory("Flaky", srv.URL, DialectOpenAI))
	_, err := o.Send(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %v", err)
	}
	if callErr.Provider != "Flaky" {
		t.Errorf("expected provider Flaky, got %q", callErr.Provider)
	}
	if callErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", callErr.Status)
	}
	if !strings.Contains(callErr.Body, "rate limited") {
		t.Errorf("expected body passthrough, got %q", callErr.Body)
	}
}

func TestSendAppliesGenerationDefaults(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	o := NewOrchestrator(singleProviderDirectory("P", srv.URL, DialectOpenAI))
	if _, err := o.Send(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotBody["temperature"] != DefaultTemperature {
		t.Errorf("expected default temperature %v, got %v", DefaultTemperature, gotBody["temperature"])
	}
	if gotBody["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("expected default max_tokens %d, got %v", DefaultMaxTokens, gotBody["max_tokens"])
	}
}
