package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errStreamClosed = errors.New("notification stream closed by server")

// SubscribeNotifications opens the agent's notification stream and delivers
// every decoded event to onEvent. Malformed payloads are dropped. Connection
// failures and server-side closes are reported to onError (if non-nil) and
// the stream reconnects with exponential backoff until unsubscribed.
//
// The returned function tears the subscription down and waits for the reader
// goroutine to exit. It is idempotent and must not be called from inside
// onEvent or onError.
func (c *Client) SubscribeNotifications(onEvent func(Notification), onError func(error)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.runNotifications(ctx, onEvent, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (c *Client) runNotifications(ctx context.Context, onEvent func(Notification), onError func(error)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectInitial
	b.MaxInterval = c.reconnectMax

	for {
		connected, err := c.streamNotifications(ctx, onEvent)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		if err == nil {
			err = errStreamClosed
		}
		if onError != nil {
			onError(err)
		}

		wait := b.NextBackOff()
		c.logger.Debug("notification stream reconnecting", "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// streamNotifications holds one connection open until it ends. connected
// reports whether the server accepted the request.
func (c *Client) streamNotifications(ctx context.Context, onEvent func(Notification)) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.agentPath("/notifications/stream"), nil)
	if err != nil {
		return false, &RequestError{Op: "notifications", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, &RequestError{Op: "notifications", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return false, statusError("notifications", resp.StatusCode, raw)
	}
	c.logger.Debug("notification stream connected")

	err = readSSE(resp.Body, func(_ string, data string) error {
		n, err := decodeNotification(data)
		if err != nil {
			c.logger.Debug("dropping notification", "error", err)
			return nil
		}
		if onEvent != nil {
			onEvent(n)
		}
		return nil
	})
	if err != nil {
		return true, &RequestError{Op: "notifications", Err: err}
	}
	return true, nil
}

func decodeNotification(data string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if n.Text == "" {
		return Notification{}, fmt.Errorf("%w: missing text", ErrMalformedEvent)
	}
	return n, nil
}
