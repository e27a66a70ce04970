package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	streamDataPrefix = "data: "
	streamSentinel   = "[DONE]"
)

// TextStream is a single-pass sequence of text fragments read from the
// agent's stream endpoint. Use it like bufio.Scanner:
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//
// The stream ends at the "[DONE]" sentinel or at EOF. Close releases the
// connection and is safe to call more than once.
type TextStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	onText func()

	text string
	err  error
	done bool
}

// Stream opens the chunked stream endpoint. The returned stream is bounded
// only by ctx; the client applies no timeout of its own.
func (c *Client) Stream(ctx context.Context, text string, opts GenerateOptions) (*TextStream, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(newRequest(text, opts)); err != nil {
		return nil, &RequestError{Op: "stream", Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.agentPath("/stream"), &buf)
	if err != nil {
		return nil, &RequestError{Op: "stream", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		c.metrics.RecordAgentCall(ctx, "stream", 0, true)
		return nil, &RequestError{Op: "stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
		c.metrics.RecordAgentCall(ctx, "stream", 0, true)
		return nil, statusError("stream", resp.StatusCode, raw)
	}

	return &TextStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		onText: func() { c.metrics.CountFragment(ctx) },
	}, nil
}

// NewTextStream wraps an already-open stream body.
func NewTextStream(body io.ReadCloser) *TextStream {
	return &TextStream{body: body, reader: bufio.NewReader(body)}
}

// Next advances to the next fragment. It returns false at the sentinel, at
// EOF or on a read error; Err distinguishes the last case.
func (s *TextStream) Next() bool {
	if s.done {
		return false
	}
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			if text, ok, stop := parseStreamLine(line); stop {
				s.finish(nil)
				return false
			} else if ok {
				s.text = text
				if s.onText != nil {
					s.onText()
				}
				if err != nil && !errors.Is(err, io.EOF) {
					s.err = &RequestError{Op: "stream", Err: err}
				}
				return true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(&RequestError{Op: "stream", Err: err})
			}
			return false
		}
	}
}

// Text returns the fragment produced by the last successful Next.
func (s *TextStream) Text() string { return s.text }

// Err returns the read error that ended the stream, if any.
func (s *TextStream) Err() error { return s.err }

// Close releases the underlying connection.
func (s *TextStream) Close() error {
	s.done = true
	if s.body == nil {
		return nil
	}
	body := s.body
	s.body = nil
	return body.Close()
}

func (s *TextStream) finish(err error) {
	s.text = ""
	if s.err == nil {
		s.err = err
	}
	s.done = true
	_ = s.Close()
}

// parseStreamLine decodes one line of the stream protocol. ok reports a
// fragment to yield; stop reports the sentinel.
func parseStreamLine(line string) (text string, ok, stop bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, streamDataPrefix) {
		return "", false, false
	}
	data := line[len(streamDataPrefix):]
	if data == streamSentinel {
		return "", false, true
	}
	var chunk any
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return data, data != "", false
	}
	// Valid JSON only yields its string "text" field; numbers, strings and
	// objects without text are skipped.
	obj, _ := chunk.(map[string]any)
	text, _ = obj["text"].(string)
	return text, text != "", false
}
