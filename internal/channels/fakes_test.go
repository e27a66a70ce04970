package channels

import (
	"context"
	"errors"
	"sync"

	"github.com/basket/agent-channels/internal/agent"
)

type sentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Format    Format
	Edit      bool
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	typing   int
	nextID   int
	// sendErr fails every Send whose text matches; "" fails none.
	sendErrFor string
	sent       chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 64)}
}

func (f *fakeSender) Send(chatID int64, text string, format Format) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErrFor != "" && text == f.sendErrFor {
		return 0, errors.New("telegram: bad request")
	}
	f.nextID++
	f.messages = append(f.messages, sentMessage{ChatID: chatID, MessageID: f.nextID, Text: text, Format: format})
	select {
	case f.sent <- struct{}{}:
	default:
	}
	return f.nextID, nil
}

func (f *fakeSender) Edit(chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Edit: true})
	return nil
}

func (f *fakeSender) Typing(int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeSender) all() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

type fakeAgent struct {
	mu       sync.Mutex
	calls    []agent.GenerateOptions
	texts    []string
	generate func(text string) (*agent.Response, error)
	stream   func(text string) (*agent.TextStream, error)
}

func (f *fakeAgent) record(text string, opts agent.GenerateOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	f.texts = append(f.texts, text)
}

func (f *fakeAgent) Generate(_ context.Context, text string, opts agent.GenerateOptions) (*agent.Response, error) {
	f.record(text, opts)
	return f.generate(text)
}

func (f *fakeAgent) Stream(_ context.Context, text string, opts agent.GenerateOptions) (*agent.TextStream, error) {
	f.record(text, opts)
	return f.stream(text)
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCreator struct {
	id  string
	err error
}

func (f *fakeCreator) CreateThread(context.Context, string) (string, error) {
	return f.id, f.err
}
