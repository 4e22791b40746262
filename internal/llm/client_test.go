package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/habitmind/habitmind/internal/core"
)

func TestClient_Phrase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Prompt == "" {
			t.Error("prompt should not be empty")
		}
		json.NewEncoder(w).Encode(Response{Text: "Time for your coffee?"})
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL})
	text, err := client.Phrase(context.Background(), "remind about coffee")
	if err != nil {
		t.Fatalf("failed to phrase: %v", err)
	}
	if text != "Time for your coffee?" {
		t.Errorf("unexpected phrase: %q", text)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	client := NewClient(Config{})
	if client.IsConfigured() {
		t.Error("empty endpoint must report not configured")
	}
	_, err := client.Phrase(context.Background(), "anything")
	if !errors.Is(err, core.ErrLLMUnavailable) {
		t.Errorf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL})
	_, err := client.Phrase(context.Background(), "anything")
	if !errors.Is(err, core.ErrLLMUnavailable) {
		t.Errorf("expected ErrLLMUnavailable, got %v", err)
	}
}
