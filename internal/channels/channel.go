package channels

import (
	"context"
)

// Format selects how outbound text is rendered by the platform.
type Format int

const (
	FormatPlain Format = iota
	FormatMarkdown
)

// Inbound is one message received from a chat platform.
type Inbound struct {
	ChatID int64
	// UserID is zero when HasSender is false (channel posts, service messages).
	UserID    int64
	UserName  string
	HasSender bool
	Text      string
}

// Sender delivers outbound messages. Implementations must be safe for
// concurrent use: replies and relayed notifications share one Sender.
type Sender interface {
	// Send posts a new message and returns its platform message id.
	Send(chatID int64, text string, format Format) (int, error)
	// Edit replaces the text of a previously sent message.
	Edit(chatID int64, messageID int, text string) error
	// Typing shows a typing indicator in the chat.
	Typing(chatID int64) error
}

// Handler processes one inbound message. It must not return errors to the
// transport; all user-facing failures are answered in the chat.
type Handler interface {
	Handle(ctx context.Context, in Inbound)
}

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	Sender

	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start delivers inbound messages to h one at a time. It blocks until the
	// context is canceled or Stop is called.
	Start(ctx context.Context, h Handler) error

	// Stop ends a running Start. It is safe to call more than once.
	Stop()
}
