// Package api is a thin typed client for the remote agent server. It never
// retries: callers decide what a failure means.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/logging"
)

var apiLog = logging.ForComponent(logging.CompAPI)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Client talks to one agent server.
type Client struct {
	host       string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	group      singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Client for host, e.g. "http://localhost:10001".
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:       strings.TrimRight(strings.TrimSpace(host), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the base URL.
func (c *Client) Host() string { return c.host }

// Health probes GET /. Any 2xx is healthy. Concurrent probes share one request.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.shared(ctx, "health", func(ctx context.Context) (any, error) {
		return nil, c.do(ctx, "health", http.MethodGet, "/", nil, nil, nil)
	})
	return err
}

// ListSessions returns GET /sessions. Concurrent calls share one request.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	v, err := c.shared(ctx, "list_sessions", func(ctx context.Context) (any, error) {
		var out []SessionInfo
		if err := c.do(ctx, "list_sessions", http.MethodGet, "/sessions", nil, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]SessionInfo)
	return append([]SessionInfo(nil), shared...), nil
}

// shared runs fn once for all concurrent callers of key. The request runs
// detached from any single caller, bounded by the client timeout, so one
// caller giving up does not fail the others.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(callCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, &Error{Kind: Unreachable, Op: key, Err: ctx.Err()}
	}
}

// SessionExists reports whether a session named name is listed. A 404 on
// the listing means no sessions exist yet.
func (c *Client) SessionExists(ctx context.Context, name string) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, s := range sessions {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateSession issues POST /sessions/{name}?path={path} with cfg as body.
func (c *Client) CreateSession(ctx context.Context, name, path string, cfg AgentConfig) error {
	q := url.Values{"path": {path}}
	return c.do(ctx, "create_session", http.MethodPost, sessionPath(name), q, cfg, nil)
}

// StartSession issues PATCH /sessions/{name}/start?api_key={key}.
func (c *Client) StartSession(ctx context.Context, name, apiKey string) error {
	q := url.Values{"api_key": {apiKey}}
	return c.do(ctx, "start_session", http.MethodPatch, sessionPath(name)+"/start", q, nil, nil)
}

// PauseSession issues PATCH /sessions/{name}/pause.
func (c *Client) PauseSession(ctx context.Context, name string) error {
	return c.do(ctx, "pause_session", http.MethodPatch, sessionPath(name)+"/pause", nil, nil, nil)
}

// ResetSession issues PATCH /sessions/{name}/reset.
func (c *Client) ResetSession(ctx context.Context, name string) error {
	return c.do(ctx, "reset_session", http.MethodPatch, sessionPath(name)+"/reset", nil, nil, nil)
}

// DeleteSession issues DELETE /sessions/{name}.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, "delete_session", http.MethodDelete, sessionPath(name), nil, nil, nil)
}

// LoadEvents returns the full ordered event log of a session.
func (c *Client) LoadEvents(ctx context.Context, name string) ([]events.ServerEvent, error) {
	var out []events.ServerEvent
	if err := c.do(ctx, "load_events", http.MethodGet, sessionPath(name)+"/events", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetState returns the aggregate state snapshot of a session.
func (c *Client) GetState(ctx context.Context, name string) (SessionState, error) {
	var out json.RawMessage
	if err := c.do(ctx, "get_state", http.MethodGet, sessionPath(name)+"/state", nil, nil, &out); err != nil {
		return nil, err
	}
	return SessionState(out), nil
}

// SendInterrupt injects a user Interrupt event into the session.
func (c *Client) SendInterrupt(ctx context.Context, name, text string) error {
	body := InterruptEvent{
		Type:     string(events.TypeInterrupt),
		Content:  text,
		Producer: "user",
		Consumer: "agent",
	}
	return c.do(ctx, "send_interrupt", http.MethodPost, sessionPath(name)+"/event", nil, body, nil)
}

// SendResponse answers a pending UserRequest.
func (c *Client) SendResponse(ctx context.Context, name, text string) error {
	q := url.Values{"response": {text}}
	return c.do(ctx, "send_response", http.MethodPost, sessionPath(name)+"/response", q, nil, nil)
}

// StreamURL returns the push stream endpoint of a session.
func StreamURL(host, name string) string {
	return strings.TrimRight(host, "/") + sessionPath(name) + "/events/stream"
}

func sessionPath(name string) string {
	return "/sessions/" + url.PathEscape(name)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: Unreachable, Op: op, Err: err}
		}
	}

	target := c.host + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("api: %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiLog.Debug("request_unreachable",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return &Error{Kind: Unreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	logging.Aggregate(logging.CompAPI, "request", slog.String("op", op), slog.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
		apiLog.Debug("request_failed",
			slog.String("op", op),
			slog.String("kind", apiErr.Kind.String()),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)))
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: ServerError, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
