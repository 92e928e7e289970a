package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeChatServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "served-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIClient("groq", "", "", "m"); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewAnthropicClient("", "", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var body map[string]any
	srv := fakeChatServer(t, "  dear friend  ", &body)

	c, err := NewOpenAIClient("together", "k", srv.URL+"/", "default-model")
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	if c.Name() != "together" {
		t.Fatalf("Name = %q", c.Name())
	}

	resp, err := c.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "dear friend" || resp.Model != "served-model" || resp.TokensIn != 7 || resp.TokensOut != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if body["model"] != "default-model" {
		t.Fatalf("request model = %v", body["model"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("request messages = %v", body["messages"])
	}
}

func TestOpenAIClient_EmptyCompletion(t *testing.T) {
	srv := fakeChatServer(t, "   ", nil)
	c, _ := NewOpenAIClient("groq", "k", srv.URL, "m")
	_, err := c.Complete(context.Background(), &CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenAIClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient("groq", "k", srv.URL, "m")
	if _, err := c.Complete(context.Background(), &CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
}
