package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencode-ai/sessioncore/internal/server"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Patch performs HTTP PATCH request with JSON body
func (c *TestClient) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// APIError is a non-2xx answer decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// decode checks the status and unmarshals the body into v, if given.
func decode(resp *Response, err error, v any) error {
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		var env server.ErrorResponse
		_ = resp.JSON(&env)
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if v == nil {
		return nil
	}
	return resp.JSON(v)
}

// CreateSession starts a live session.
func (c *TestClient) CreateSession(ctx context.Context, title string) (*types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	resp, err := c.Post(ctx, "/session", server.CreateSessionRequest{Title: title})
	if err := decode(resp, err, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetSession returns a live or stored session.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	resp, err := c.Get(ctx, "/session/"+sessionID)
	if err := decode(resp, err, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSessions returns live and stored sessions.
func (c *TestClient) ListSessions(ctx context.Context) ([]server.SessionEntry, error) {
	var entries []server.SessionEntry
	resp, err := c.Get(ctx, "/session")
	if err := decode(resp, err, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// RenameSession sets a custom title.
func (c *TestClient) RenameSession(ctx context.Context, sessionID, title string) error {
	resp, err := c.Patch(ctx, "/session/"+sessionID, server.UpdateSessionRequest{Title: title})
	return decode(resp, err, nil)
}

// DeleteSession clears a live session or deletes a stored one.
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.Delete(ctx, "/session/"+sessionID)
	return decode(resp, err, nil)
}

// SendMessage dispatches text and waits for the response to complete.
func (c *TestClient) SendMessage(ctx context.Context, sessionID, text string) (*server.DispatchResponse, error) {
	return c.send(ctx, sessionID, server.SendMessageRequest{Text: text, Wait: true})
}

// StartMessage dispatches text without waiting.
func (c *TestClient) StartMessage(ctx context.Context, sessionID, text string) (*server.DispatchResponse, error) {
	return c.send(ctx, sessionID, server.SendMessageRequest{Text: text})
}

func (c *TestClient) send(ctx context.Context, sessionID string, req server.SendMessageRequest) (*server.DispatchResponse, error) {
	var out server.DispatchResponse
	resp, err := c.Post(ctx, "/session/"+sessionID+"/message", req)
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort cancels the pending request of a session.
func (c *TestClient) Abort(ctx context.Context, sessionID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	resp, err := c.Post(ctx, "/session/"+sessionID+"/abort", nil)
	if err := decode(resp, err, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// SetCheckpoint blocks the view at turnID; an empty id clears it.
func (c *TestClient) SetCheckpoint(ctx context.Context, sessionID, turnID string) (*server.CheckpointResponse, error) {
	var out server.CheckpointResponse
	resp, err := c.Post(ctx, "/session/"+sessionID+"/checkpoint", server.CheckpointRequest{TurnID: turnID})
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveTurn deletes a turn.
func (c *TestClient) RemoveTurn(ctx context.Context, sessionID, turnID string) error {
	resp, err := c.Delete(ctx, "/session/"+sessionID+"/turn/"+turnID)
	return decode(resp, err, nil)
}

// Resend sends a turn again and waits for the new response.
func (c *TestClient) Resend(ctx context.Context, sessionID, turnID string) (*server.DispatchResponse, error) {
	var out server.DispatchResponse
	resp, err := c.Post(ctx, "/session/"+sessionID+"/turn/"+turnID+"/resend", server.ResendRequest{Wait: true})
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
