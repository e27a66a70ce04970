package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/agent-channels/internal/shared"
	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrInvalidToken is returned by Connect when Telegram rejects the bot token.
var ErrInvalidToken = errors.New("telegram rejected the bot token")

const defaultPollTimeout = 60

// TelegramOptions configures a TelegramChannel.
type TelegramOptions struct {
	Token string
	// APIEndpoint is a format string taking the token and the method name.
	// Empty uses tgbotapi.APIEndpoint.
	APIEndpoint string
	HTTPClient  *http.Client
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	Logger      *slog.Logger
}

// TelegramChannel implements the Channel interface for Telegram using long
// polling.
type TelegramChannel struct {
	token       string
	endpoint    string
	httpClient  *http.Client
	pollTimeout int
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI

	// delays between failed polls; overridden in tests.
	retryInitial time.Duration
	retryMax     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTelegramChannel creates a new Telegram channel. Call Connect before use.
func NewTelegramChannel(opts TelegramOptions) *TelegramChannel {
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Long polls hold the connection for pollTimeout; anything far beyond
		// that is a dead connection.
		hc = &http.Client{Timeout: time.Duration(pollTimeout+15) * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:        opts.Token,
		endpoint:     endpoint,
		httpClient:   hc,
		pollTimeout:  pollTimeout,
		logger:       logger.With("channel", "telegram"),
		retryInitial: time.Second,
		retryMax:     30 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect validates the token with getMe. A rejected token yields an error
// wrapping ErrInvalidToken.
func (t *TelegramChannel) Connect() error {
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
		}
		return fmt.Errorf("telegram init failed: %w", redactedError{err})
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)
	return nil
}

// Start polls for updates and hands every message to h in arrival order.
// Poll failures are retried with exponential backoff. It returns nil when ctx
// is canceled or Stop is called. Handlers get a context that is not canceled
// with ctx, so a reply in progress at shutdown still completes; Start returns
// once it has.
func (t *TelegramChannel) Start(ctx context.Context, h Handler) error {
	if t.bot == nil {
		return errors.New("telegram channel not connected")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryInitial
	b.MaxInterval = t.retryMax

	handleCtx := context.WithoutCancel(ctx)
	offset := 0
	for {
		updates, err := t.poll(ctx, offset)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := b.NextBackOff()
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", redactedError{err}.Error(), "backoff", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if ctx.Err() != nil {
				return nil
			}
			if update.Message == nil {
				continue
			}
			h.Handle(handleCtx, inboundFromMessage(update.Message))
		}
	}
}

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// poll performs one getUpdates long poll. tgbotapi does not take a context,
// so the request runs in its own goroutine and is abandoned on cancel. A poll
// that outlives twice the long-poll timeout is treated as a dead connection.
func (t *TelegramChannel) poll(ctx context.Context, offset int) ([]tgbotapi.Update, error) {
	stallTimeout := time.Duration(2*t.pollTimeout+30) * time.Second

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = t.pollTimeout
	cfg.AllowedUpdates = []string{"message"}

	res := make(chan pollResult, 1)
	go func() {
		updates, err := t.bot.GetUpdates(cfg)
		res <- pollResult{updates: updates, err: err}
	}()

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		return r.updates, r.err
	case <-timer.C:
		return nil, fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
	}
}

// Stop ends a running Start and prevents future ones.
func (t *TelegramChannel) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Send posts text to chatID. Markdown that Telegram cannot parse is resent as
// plain text.
func (t *TelegramChannel) Send(chatID int64, text string, format Format) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if format == FormatMarkdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	sent, err := t.bot.Send(msg)
	if err != nil && format == FormatMarkdown && isEntityParseError(err) {
		t.logger.Debug("markdown rejected, resending as plain text", "chat_id", chatID)
		msg.ParseMode = ""
		sent, err = t.bot.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("send telegram message: %w", redactedError{err})
	}
	return sent.MessageID, nil
}

// Edit replaces the text of an existing message. Used for streamed replies.
func (t *TelegramChannel) Edit(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("edit telegram message: %w", redactedError{err})
	}
	return nil
}

func (t *TelegramChannel) Typing(chatID int64) error {
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("send chat action: %w", redactedError{err})
	}
	return nil
}

func inboundFromMessage(msg *tgbotapi.Message) Inbound {
	in := Inbound{Text: msg.Text}
	if msg.Chat != nil {
		in.ChatID = msg.Chat.ID
	}
	if msg.From != nil {
		in.UserID = msg.From.ID
		in.UserName = msg.From.UserName
		in.HasSender = true
	}
	return in
}

func isEntityParseError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "parse entities")
}

// redactedError hides bot tokens, which tgbotapi embeds in request URLs.
type redactedError struct{ err error }

func (e redactedError) Error() string { return shared.Redact(e.err.Error()) }
func (e redactedError) Unwrap() error { return e.err }
