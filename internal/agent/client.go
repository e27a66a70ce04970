// Package agent is the HTTP client for the remote agent service. It is the
// only package that talks to the agent over the network.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	otelPkg "github.com/basket/agent-channels/internal/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultReadyAttempts = 30
	DefaultReadyInterval = 2 * time.Second

	maxResponseBytes = 4 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL string
	AgentID string

	// Timeout bounds every non-streaming request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client used for non-streaming calls.
	HTTPClient *http.Client
	// StreamClient is used for the stream endpoint and the notification
	// subscription. It must not carry a Timeout.
	StreamClient *http.Client

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Client calls the agent service.
type Client struct {
	baseURL string
	agentID string

	httpClient   *http.Client
	streamClient *http.Client

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	// reconnect delays for SubscribeNotifications; overridden in tests.
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent base URL required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse agent base URL: %w", err)
	}
	agentID := strings.TrimSpace(opts.AgentID)
	if agentID == "" {
		return nil, errors.New("agent id required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	sc := opts.StreamClient
	if sc == nil {
		sc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:          baseURL,
		agentID:          agentID,
		httpClient:       hc,
		streamClient:     sc,
		logger:           logger.With("component", "agent_client"),
		tracer:           otelPkg.Tracer(opts.Tracer),
		metrics:          opts.Metrics,
		reconnectInitial: time.Second,
		reconnectMax:     30 * time.Second,
	}, nil
}

// BaseURL returns the normalized agent base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AgentID returns the agent identifier used in endpoint paths.
func (c *Client) AgentID() string { return c.agentID }

func (c *Client) agentPath(suffix string) string {
	return "/api/agents/" + url.PathEscape(c.agentID) + suffix
}

// Ping performs a single health probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// WaitUntilReady polls the health endpoint up to maxAttempts times, sleeping
// interval between failed attempts. It returns true on the first success and
// false once attempts are exhausted or ctx is done. Probe errors are logged
// at debug and never returned.
func (c *Client) WaitUntilReady(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultReadyAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.Ping(ctx)
		if err == nil {
			return true
		}
		c.logger.Debug("agent health probe failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// Generate sends text as a single user message and returns the agent's reply
// as decoded from the service.
func (c *Client) Generate(ctx context.Context, text string, opts GenerateOptions) (*Response, error) {
	req := newRequest(text, opts)
	var resp Response
	if err := c.doJSON(ctx, "generate", http.MethodPost, c.agentPath("/generate"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateThread asks the agent to mint a new memory thread for resourceID.
func (c *Client) CreateThread(ctx context.Context, resourceID string) (string, error) {
	var resp createThreadResponse
	err := c.doJSON(ctx, "create_thread", http.MethodPost, c.agentPath("/memory/threads"),
		createThreadRequest{ResourceID: resourceID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Thread.ID == "" {
		return "", &RequestError{Op: "create_thread", Err: errors.New("response carried no thread id")}
	}
	return resp.Thread.ID, nil
}

func newRequest(text string, opts GenerateOptions) Request {
	return Request{
		Messages:   []Message{{Role: "user", Content: text}},
		ThreadID:   opts.ThreadID,
		ResourceID: opts.ResourceID,
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "agent."+op,
		otelPkg.AttrAgentID.String(c.agentID),
		otelPkg.AttrHTTPPath.String(path),
	)
	start := time.Now()
	defer func() {
		c.metrics.RecordAgentCall(ctx, op, time.Since(start).Seconds(), err != nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
