package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockLLMServer is an OpenAI-compatible chat completions endpoint that
// answers from a MockLLMConfig.
type MockLLMServer struct {
	server *httptest.Server
	config *MockLLMConfig
	nextID atomic.Int64

	mu       sync.Mutex
	requests []MockRequest
}

// MockRequest records an incoming request for verification.
type MockRequest struct {
	Timestamp  time.Time
	Path       string
	LastPrompt string
	Stream     bool
	Body       map[string]any
}

// NewMockLLMServer creates a mock server with DefaultMockLLMConfig.
func NewMockLLMServer() *MockLLMServer {
	return NewMockLLMServerWithConfig(DefaultMockLLMConfig())
}

// NewMockLLMServerWithConfig creates a mock server answering from config.
func NewMockLLMServerWithConfig(config *MockLLMConfig) *MockLLMServer {
	m := &MockLLMServer{config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the base URL clients should use, including /v1.
func (m *MockLLMServer) URL() string {
	return m.server.URL + "/v1"
}

// Close shuts down the mock server.
func (m *MockLLMServer) Close() {
	m.server.Close()
}

// Requests returns a copy of the recorded requests.
func (m *MockLLMServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// PromptsContaining returns the recorded last prompts containing substr.
func (m *MockLLMServer) PromptsContaining(substr string) []string {
	var out []string
	for _, r := range m.Requests() {
		if strings.Contains(strings.ToLower(r.LastPrompt), strings.ToLower(substr)) {
			out = append(out, r.LastPrompt)
		}
	}
	return out
}

func (m *MockLLMServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	lastPrompt := extractLastPrompt(req)
	stream, _ := req["stream"].(bool)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Timestamp:  time.Now(),
		Path:       r.URL.Path,
		LastPrompt: lastPrompt,
		Stream:     stream,
		Body:       req,
	})
	m.mu.Unlock()

	// real endpoints reject empty user content
	if strings.TrimSpace(lastPrompt) == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "user message content must not be empty", "type": "invalid_request_error"},
		})
		return
	}

	if lag := m.config.Settings.LagMS; lag > 0 {
		time.Sleep(time.Duration(lag) * time.Millisecond)
	}

	content, _ := m.config.FindMatchingResponse(lastPrompt)
	if stream {
		m.writeStreamingResponse(w, r, content)
	} else {
		m.writeResponse(w, content)
	}
}

// extractLastPrompt returns the content of the last user message.
func extractLastPrompt(req map[string]any) string {
	messages, ok := req["messages"].([]any)
	if !ok {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role == "user" {
			content, _ := msg["content"].(string)
			return content
		}
	}
	return ""
}

func (m *MockLLMServer) id() string {
	return fmt.Sprintf("chatcmpl-mockllm-%d", m.nextID.Add(1))
}

func (m *MockLLMServer) writeResponse(w http.ResponseWriter, content string) {
	response := map[string]any{
		"id":      m.id(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "mock-gpt-4",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (m *MockLLMServer) chunk(delta map[string]any, finishReason any) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":      m.id(),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   "mock-gpt-4",
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finishReason},
		},
	})
	return []byte("data: " + string(data) + "\n\n")
}

// writeStreamingResponse streams content word by word. It stops early when
// the client goes away.
func (m *MockLLMServer) writeStreamingResponse(w http.ResponseWriter, r *http.Request, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Write(m.chunk(map[string]any{"role": "assistant"}, nil))
	flusher.Flush()

	delay := time.Duration(m.config.Settings.ChunkDelayMS) * time.Millisecond
	words := strings.Fields(content)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		w.Write(m.chunk(map[string]any{"content": word}, nil))
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}

	w.Write(m.chunk(map[string]any{}, "stop"))
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}
