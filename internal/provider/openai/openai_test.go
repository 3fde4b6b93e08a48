package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/mathgrader/internal/provider"
)

func newTestServer(t *testing.T, status int, reply string, captured *map[string]any) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/v1", "test-key", "gpt-4o")
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-4o-2024-08-06",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(b)
}

func TestSolveWithImage(t *testing.T) {
	var req map[string]any
	c := newTestServer(t, http.StatusOK, chatReply(`{"questions":[]}`), &req)

	img := provider.Image{Data: []byte{0xFF, 0xD8, 0xFF}, MIME: "image/jpeg"}
	resp, err := c.Solve(context.Background(), provider.SolveRequest{
		System:        "grade this",
		Prompt:        "student work attached",
		Image:         &img,
		Deterministic: true,
		JSON:          true,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if resp.Text != `{"questions":[]}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("Provider/Model = %q/%q", resp.Provider, resp.Model)
	}

	temp, ok := req["temperature"].(float64)
	if !ok || temp <= 0 || temp > 1e-30 {
		t.Errorf("deterministic request should carry the minimum temperature, got %v", req["temperature"])
	}
	if seed, _ := req["seed"].(float64); seed != deterministicSeed {
		t.Errorf("seed = %v, want %d", req["seed"], deterministicSeed)
	}
	rf, _ := req["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", req["response_format"])
	}
	raw, _ := json.Marshal(req["messages"])
	if !strings.Contains(string(raw), "data:image/jpeg;base64,") {
		t.Error("user message should carry the image as a data URL")
	}
}

func TestSolveTextOnly(t *testing.T) {
	var req map[string]any
	c := newTestServer(t, http.StatusOK, chatReply("x = 4"), &req)

	resp, err := c.Solve(context.Background(), provider.SolveRequest{Prompt: "solve 2x = 8"})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if resp.Text != "x = 4" {
		t.Errorf("Text = %q", resp.Text)
	}
	if _, ok := req["seed"]; ok {
		t.Error("non-deterministic request should not send a seed")
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message without system prompt, got %d", len(msgs))
	}
}

func TestSolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, provider.ErrTransient},
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream","type":"server_error"}}`, provider.ErrTransient},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"invalid key","type":"invalid_request_error"}}`, provider.ErrFatal},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","choices":[]}`, provider.ErrParse},
		{"empty content", http.StatusOK, chatReply("  "), provider.ErrParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.status, tt.body, nil)
			_, err := c.Solve(context.Background(), provider.SolveRequest{Prompt: "p"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Solve() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildMessages(t *testing.T) {
	t.Run("system and text", func(t *testing.T) {
		msgs := buildMessages(provider.SolveRequest{System: "sys", Prompt: "user"})
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Content != "sys" || msgs[1].Content != "user" {
			t.Errorf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("image uses multi content", func(t *testing.T) {
		img := provider.Image{Data: []byte{1, 2, 3}, MIME: "image/png"}
		msgs := buildMessages(provider.SolveRequest{Prompt: "user", Image: &img})
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		if msgs[0].Content != "" || len(msgs[0].MultiContent) != 2 {
			t.Errorf("expected 2 content parts and no plain content, got %+v", msgs[0])
		}
	})
}
