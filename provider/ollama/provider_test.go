package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/palomabot/paloma"
)

func TestChatRoundTrip(t *testing.T) {
	var gotBody chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "hola, ¿qué tal?"},
			"prompt_eval_count": 42,
			"eval_count":        12,
			"total_duration":    1500000000,
			"model":             "qwen3:8b",
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "qwen3:8b")
	resp, err := p.Chat(context.Background(), paloma.ChatRequest{
		Messages: []paloma.ChatMessage{paloma.UserMessage("hola")},
		Think:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotBody.Model != "qwen3:8b" || !gotBody.Think || gotBody.Stream {
		t.Errorf("request body = %+v", gotBody)
	}
	if resp.Content != "hola, ¿qué tal?" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 12 || resp.Usage.TotalDurationMS != 1500 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "web_search", "arguments": map[string]string{"query": "news"}}},
					{"function": map[string]any{"name": "fetch_url", "arguments": map[string]string{"url": "https://x"}}},
				},
			},
		})
	}))
	defer srv.Close()

	p := New(srv.URL, "qwen3:8b")
	resp, err := p.Chat(context.Background(), paloma.ChatRequest{
		Messages: []paloma.ChatMessage{paloma.UserMessage("search")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	// Ollama sends no call ids; the provider synthesizes stable ones.
	if resp.ToolCalls[0].ID != "call_0" || resp.ToolCalls[1].ID != "call_1" {
		t.Errorf("ids = %q, %q", resp.ToolCalls[0].ID, resp.ToolCalls[1].ID)
	}
	if resp.ToolCalls[0].Name != "web_search" {
		t.Errorf("name = %q", resp.ToolCalls[0].Name)
	}
}

func TestChatModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"content": "ok"}})
	}))
	defer srv.Close()

	p := New(srv.URL, "qwen3:8b")
	_, err := p.Chat(context.Background(), paloma.ChatRequest{
		Model:    "qwen3:1.7b",
		Messages: []paloma.ChatMessage{paloma.UserMessage("classify this")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotModel != "qwen3:1.7b" {
		t.Errorf("model = %q, the per-request model must win", gotModel)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.URL, "missing:model")
	_, err := p.Chat(context.Background(), paloma.ChatRequest{
		Messages: []paloma.ChatMessage{paloma.UserMessage("hi")},
	})
	var httpErr *paloma.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 404 {
		t.Errorf("err = %v, want ErrHTTP 404", err)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2, 0.3}},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "nomic-embed-text", 3)
	vec, err := e.Embed(context.Background(), "hola")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vec = %v", vec)
	}
	if e.Dimensions() != 3 {
		t.Errorf("dimensions = %d", e.Dimensions())
	}
}

func TestEmbedEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{}})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "nomic-embed-text", 3)
	if _, err := e.Embed(context.Background(), "hola"); err == nil {
		t.Error("empty embeddings must surface an error")
	}
}
