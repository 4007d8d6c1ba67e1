package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/roko"
	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
)

const (
	// DefaultPort is the fixed local port OpenCode serves on.
	DefaultPort = 4096

	// requestTimeout bounds every plain REST call. The SSE stream and health
	// polling manage their own deadlines.
	requestTimeout = 10 * time.Second

	// connectTimeout bounds TCP connection establishment.
	connectTimeout = 30 * time.Second

	healthPollInterval   = 500 * time.Millisecond
	healthRequestTimeout = 2 * time.Second
)

// Client talks to the OpenCode server over its local REST API.
type Client struct {
	baseURL string
	http    *http.Client
	sse     *http.Client
	log     *logger.Logger
}

// NewClient creates a client for the OpenCode server at baseURL
// (e.g. "http://localhost:4096").
func NewClient(baseURL string, log *logger.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		// SSE responses stay open for the life of a prompt, so this client
		// carries no overall timeout.
		sse: &http.Client{
			Transport: transport,
		},
		log: log,
	}
}

// BaseURL returns the server address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

// CreateSession creates a new OpenCode session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, "/session", map[string]any{})
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// CheckSession probes whether a session ID is still valid on the server.
func (c *Client) CheckSession(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID, nil)
	if err != nil {
		return false, fmt.Errorf("check session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// SendPromptAsync submits a prompt without waiting for completion. The
// response to the prompt arrives on the SSE stream. OpenCode acknowledges
// with 200 or 204.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID string, req PromptRequest) error {
	path := fmt.Sprintf("/session/%s/prompt_async", sessionID)
	resp, err := c.doJSON(ctx, http.MethodPost, path, req)
	if err != nil {
		return fmt.Errorf("async prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("async prompt failed: %d - %s", resp.StatusCode, string(raw))
	}
	return nil
}

// Stop asks OpenCode to halt the session's current work. Best effort: a
// failure is logged and swallowed, the caller has no recovery beyond waiting.
func (c *Client) Stop(ctx context.Context, sessionID, reason string) bool {
	resp, err := c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/stop", nil)
	if err != nil {
		c.log.Warn("opencode stop request failed",
			zap.String("reason", reason),
			zap.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.Info("opencode stop requested", zap.String("reason", reason))
	return true
}

// ListMessages fetches the session's full message list with parts.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil)
	if err != nil {
		return nil, fmt.Errorf("list messages request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list messages failed: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("parse message list: %w", err)
	}
	return messages, nil
}

// Health performs a single health probe.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, healthRequestTimeout)
	defer cancel()

	resp, err := c.doJSON(reqCtx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var health HealthResponse
	if err := json.Unmarshal(raw, &health); err != nil {
		return nil, fmt.Errorf("parse health response (got: %q): %w", string(raw), err)
	}
	return &health, nil
}

// WaitForHealth polls the health endpoint until the server reports healthy or
// the timeout elapses.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	attempts := int(timeout / healthPollInterval)
	if attempts < 1 {
		attempts = 1
	}

	err := roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Constant(healthPollInterval)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		health, err := c.Health(ctx)
		if err != nil {
			c.log.Debug("health check not ready", zap.Error(err))
			return err
		}
		if !health.Healthy {
			return fmt.Errorf("server unhealthy (version %s)", health.Version)
		}
		c.log.Info("opencode server healthy", zap.String("version", health.Version))
		return nil
	})
	if err != nil {
		return fmt.Errorf("opencode health check timed out after %s: %w", timeout, err)
	}
	return nil
}
