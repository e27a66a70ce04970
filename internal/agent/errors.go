package agent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnavailable reports that the agent service could not be reached or
// refused to serve a request that the caller needed to succeed.
var ErrUnavailable = errors.New("agent unavailable")

// ErrMalformedEvent marks a notification payload that could not be decoded.
var ErrMalformedEvent = errors.New("malformed notification event")

// RequestError is returned by every per-request operation on network failure
// or a non-2xx response.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e == nil {
		return "agent request error"
	}
	var b strings.Builder
	b.WriteString("agent ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		b.WriteString(": ")
		b.WriteString(body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func statusError(op string, status int, raw []byte) *RequestError {
	body := string(raw)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return &RequestError{Op: op, StatusCode: status, Body: body}
}
