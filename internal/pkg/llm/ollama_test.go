package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_Classify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected /api/chat, got %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if req.Stream || req.Model != "qwen2.5vl:7b" {
			t.Errorf("Unexpected request %+v", req)
		}
		if got := len(req.Messages[0].Images); got != 1 {
			t.Errorf("Expected one inline image, got %d", got)
		}
		json.NewEncoder(w).Encode(ollamaResponse{
			Model:   req.Model,
			Message: ollamaMessage{Role: "assistant", Content: "Verdict: scam\nConfidence: 0.9\nReason: giveaway bait"},
			Done:    true,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaConfig{BaseURL: server.URL, Model: "qwen2.5vl:7b"})
	v, err := client.Classify(context.Background(), Request{
		Text:   "check this",
		Images: []Image{{Data: []byte("png")}, {URL: "http://cdn/only-url.png"}},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if v.Label != LabelScam || v.Confidence != 0.9 || v.Model != "qwen2.5vl:7b" {
		t.Errorf("Unexpected verdict %+v", v)
	}
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}},
		{"error field", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ollamaResponse{Error: "out of memory"})
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			if _, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL}).Classify(context.Background(), Request{Text: "x"}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("Expected /api/tags, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	if err := NewOllamaClient(OllamaConfig{BaseURL: server.URL + "/"}).Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestDefaultOllamaConfig(t *testing.T) {
	c := DefaultOllamaConfig()
	if c.BaseURL != "http://localhost:11434" || c.Model == "" {
		t.Errorf("Unexpected defaults %+v", c)
	}
}
