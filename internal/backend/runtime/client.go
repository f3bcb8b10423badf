// Package runtime is the HTTP client for remote backend runtime services.
// A runtime exposes GET /health and POST /execute; adapters use it to hand
// individual work units to an out-of-process framework.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single runtime call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a runtime response is read.
const maxResponseBytes = 4 << 20

// ErrUnhealthy is returned when a runtime health probe does not report healthy.
var ErrUnhealthy = errors.New("runtime unhealthy")

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Config      map[string]any `json:"config"`
	Inputs      map[string]any `json:"inputs"`
}

// ExecuteResponse is the body returned by POST /execute.
type ExecuteResponse struct {
	Status      string `json:"status"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Health is the body returned by GET /health.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Client talks to one runtime service.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the runtime at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse runtime url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("runtime url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
	}, nil
}

// URL returns the runtime base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	if h.Status != "healthy" && h.Status != "ok" {
		return h, fmt.Errorf("%w: status %q", ErrUnhealthy, h.Status)
	}
	return h, nil
}

// Execute runs one work unit on the runtime.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	var resp ExecuteResponse
	body, err := c.do(ctx, http.MethodPost, "/execute", req)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("decode execute response: %w", err)
	}
	if resp.Status != "" && resp.Status != "success" {
		msg := resp.Error
		if msg == "" {
			msg = "status " + resp.Status
		}
		return resp, fmt.Errorf("runtime step %s: %s", req.StepID, msg)
	}
	return resp, nil
}

// Close drops idle keep-alive connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}
