// Package appclient is the Go client for the bridge daemon's HTTP and
// websocket surface. The CLI and integration tests both use it.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	socketPath   string
	client       *http.Client
	unaryTimeout time.Duration
}

// New returns a client that speaks to the daemon over its unix socket.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	c := NewWithClient("http://unix", &http.Client{Transport: transport})
	c.socketPath = socketPath
	return c
}

// NewWithClient returns a client bound to an explicit base URL, for
// TCP daemons and httptest servers.
func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return api.HealthResponse{}, err
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

func (c *Client) ListSessions(ctx context.Context) (api.SessionsEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions", nil)
	if err != nil {
		return api.SessionsEnvelope{}, err
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionsEnvelope{}, fmt.Errorf("decode sessions envelope: %w", err)
	}
	return env, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (api.SessionEnvelope, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.SessionEnvelope{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return api.SessionEnvelope{}, err
	}
	var env api.SessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.SessionEnvelope{}, fmt.Errorf("decode session envelope: %w", err)
	}
	return env, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) (api.CloseSessionResponse, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.CloseSessionResponse{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return api.CloseSessionResponse{}, err
	}
	var resp api.CloseSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.CloseSessionResponse{}, fmt.Errorf("decode close response: %w", err)
	}
	return resp, nil
}

func (c *Client) SpawnRPCBackend(ctx context.Context, sessionID string, req api.SpawnRPCBackendRequest) (api.SpawnRPCBackendResponse, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.SpawnRPCBackendResponse{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/rpc-backend", req)
	if err != nil {
		return api.SpawnRPCBackendResponse{}, err
	}
	var resp api.SpawnRPCBackendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.SpawnRPCBackendResponse{}, fmt.Errorf("decode spawn response: %w", err)
	}
	return resp, nil
}

// DialViewer opens the session's viewer websocket. The caller owns the
// returned connection.
func (c *Client) DialViewer(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http")
	if c.socketPath != "" {
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		}
		wsURL = "ws://unix"
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"/v1/sessions/"+url.PathEscape(id)+"/viewer", nil)
	if err != nil {
		if resp != nil {
			return nil, &RequestError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
