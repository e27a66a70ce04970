package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{BaseURL: baseURL, AgentID: "main", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.reconnectInitial = 10 * time.Millisecond
	c.reconnectMax = 50 * time.Millisecond
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{AgentID: "main"}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := New(Options{BaseURL: "http://agent:4111"}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
	c, err := New(Options{BaseURL: "http://agent:4111/", AgentID: "main"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != "http://agent:4111" {
		t.Fatalf("BaseURL = %q, want trailing slash trimmed", c.BaseURL())
	}
}

func TestWaitUntilReady_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if !c.WaitUntilReady(context.Background(), 5, time.Millisecond) {
		t.Fatal("expected agent to become ready")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("health calls = %d, want 3", got)
	}
}

func TestWaitUntilReady_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if c.WaitUntilReady(context.Background(), 4, time.Millisecond) {
		t.Fatal("expected false after exhausting attempts")
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("health calls = %d, want 4", got)
	}
}

func TestWaitUntilReady_ConnectionRefused(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	if c.WaitUntilReady(context.Background(), 2, time.Millisecond) {
		t.Fatal("expected false for unreachable agent")
	}
}

func TestWaitUntilReady_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, ts.URL)
	start := time.Now()
	if c.WaitUntilReady(ctx, 30, time.Second) {
		t.Fatal("expected false for cancelled context")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancelled wait should return promptly")
	}
}

func TestGenerate_SendsRequestAndDecodesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agents/main/generate" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.ThreadID != "telegram:42" || req.ResourceID != "telegram:42" {
			t.Errorf("unexpected scope: thread=%q resource=%q", req.ThreadID, req.ResourceID)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hi there","threadId":"telegram:42","usage":{"inputTokens":12,"outputTokens":34},"cost":0.00123}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	resp, err := c.Generate(context.Background(), "hello", GenerateOptions{ThreadID: "telegram:42", ResourceID: "telegram:42"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hi there" || resp.ThreadID != "telegram:42" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 34 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Cost == nil || *resp.Cost != 0.00123 {
		t.Fatalf("unexpected cost: %v", resp.Cost)
	}
}

func TestGenerate_OmitsEmptyScopeAndOptionalFields(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		_ = json.NewDecoder(r.Body).Decode(&raw)
		if _, ok := raw["threadId"]; ok {
			t.Errorf("threadId should be omitted when empty")
		}
		_, _ = w.Write([]byte(`{"text":"ok","threadId":"x"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	resp, err := c.Generate(context.Background(), "hi", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Usage != nil || resp.Cost != nil {
		t.Fatalf("expected nil usage and cost, got %+v", resp)
	}
}

func TestGenerate_NonSuccessStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.Generate(context.Background(), "hello", GenerateOptions{})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %T (%v)", err, err)
	}
	if reqErr.StatusCode != http.StatusBadGateway || reqErr.Op != "generate" {
		t.Fatalf("unexpected error fields: %+v", reqErr)
	}
}

func TestGenerate_NetworkErrorKeepsCause(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.Generate(context.Background(), "hello", GenerateOptions{})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if reqErr.Unwrap() == nil {
		t.Fatal("expected underlying cause")
	}
}

func TestCreateThread(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents/main/memory/threads" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["resourceId"] != "telegram:42" {
			t.Errorf("resourceId = %q", body["resourceId"])
		}
		_, _ = w.Write([]byte(`{"thread":{"id":"t-123"}}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	id, err := c.CreateThread(context.Background(), "telegram:42")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "t-123" {
		t.Fatalf("thread id = %q, want t-123", id)
	}
}

func TestCreateThread_MissingID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"thread":{}}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if _, err := c.CreateThread(context.Background(), "telegram:42"); err == nil {
		t.Fatal("expected error for response without thread id")
	}
}

func TestRequestError_Message(t *testing.T) {
	err := &RequestError{Op: "generate", StatusCode: 500, Body: "boom"}
	want := "agent generate: status 500 Internal Server Error: boom"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
