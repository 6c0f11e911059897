// Package modeltest provides a deterministic OpenAI-compatible Chat
// Completions backend for tests and local development.
//
// The reply to a request is "echo: <last user message>". A last user message
// of the form "status: <code>" makes the backend answer with that HTTP status
// and an OpenAI error document instead, which exercises error relaying.
package modeltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// DefaultModel is reported when a request names no model.
const DefaultModel = "mock-model"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Backend serves the mock API and remembers the requests it answered.
type Backend struct {
	mu       sync.Mutex
	requests []json.RawMessage
	apiKey   string
}

// New returns a backend. A non-empty apiKey is required as bearer token on
// every completion request.
func New(apiKey string) *Backend {
	return &Backend{apiKey: apiKey}
}

// Handler returns the routes of the backend.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Requests returns the raw bodies of the completion requests received so far.
func (b *Backend) Requests() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.requests...)
}

func (b *Backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if b.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+b.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "Incorrect API key provided")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	b.mu.Lock()
	b.requests = append(b.requests, raw)
	b.mu.Unlock()

	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	last := lastUserMessage(&req)
	if code, ok := requestedStatus(last); ok {
		writeError(w, code, "mock_error", fmt.Sprintf("requested status %d", code))
		return
	}

	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	prompt := len(strings.Fields(last))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		ID:     "chatcmpl-mock",
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: "echo: " + last},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: prompt, CompletionTokens: prompt + 1, TotalTokens: 2*prompt + 1},
	})
}

func handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": DefaultModel, "object": "model", "owned_by": "composer"},
		},
	})
}

// requestedStatus parses "status: <code>" messages.
func requestedStatus(msg string) (int, bool) {
	v, ok := strings.CutPrefix(strings.TrimSpace(msg), "status:")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || code < 400 || code > 599 {
		return 0, false
	}
	return code, true
}

func lastUserMessage(req *chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		switch c := m.Content.(type) {
		case string:
			return c
		case []any:
			var parts []string
			for _, part := range c {
				if p, ok := part.(map[string]any); ok && p["type"] == "text" {
					if s, ok := p["text"].(string); ok {
						parts = append(parts, s)
					}
				}
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    code,
			"code":    code,
		},
	})
}
