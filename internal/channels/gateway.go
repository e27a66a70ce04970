package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/agent-channels/internal/agent"
	"github.com/basket/agent-channels/internal/audit"
	otelPkg "github.com/basket/agent-channels/internal/otel"
	"github.com/basket/agent-channels/internal/shared"
	"github.com/basket/agent-channels/internal/threads"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// User-facing replies.
const (
	AccessDeniedText   = "⛔ Access denied. You are not authorized to use this bot."
	WelcomeText        = "👋 Welcome to NanoFleet Agent!\n\nSend me a message and I'll forward it to the AI agent."
	HelpText           = "📖 *Commands:*\n\n/start - Start the bot\n/help - Show this help\n/new - Start a new conversation\n/whoami - Show your Telegram user ID"
	NewThreadText      = "🔄 New conversation started!"
	NewThreadFailText  = "Failed to start a new conversation. Please try again."
	UnknownCommandText = "Unknown command. Use /help for available commands."
	ApologyText        = "Sorry, I encountered an error processing your message."
)

const defaultEditInterval = time.Second

// AgentService is the part of the agent client the gateway calls.
type AgentService interface {
	Generate(ctx context.Context, text string, opts agent.GenerateOptions) (*agent.Response, error)
	Stream(ctx context.Context, text string, opts agent.GenerateOptions) (*agent.TextStream, error)
}

// ThreadRegistry resolves and rotates per-user conversation threads.
type ThreadRegistry interface {
	Resolve(userID int64) string
	CreateOverride(ctx context.Context, userID int64) (string, error)
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Sender       Sender
	Agent        AgentService
	Threads      ThreadRegistry
	AllowedUsers []int64

	// StreamReplies switches the generate flow to the stream endpoint with
	// progressive message edits.
	StreamReplies bool
	// EditInterval is the minimum gap between progressive edits.
	EditInterval time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

type commandFunc func(ctx context.Context, in Inbound, logger *slog.Logger)

// Gateway applies the allow-list, dispatches commands and runs the generate
// flow for every inbound message.
type Gateway struct {
	sender        Sender
	agent         AgentService
	threads       ThreadRegistry
	streamReplies bool
	editInterval  time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *otelPkg.Metrics
	commands      map[string]commandFunc

	allowMu sync.RWMutex
	allowed map[int64]struct{}
}

func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	editInterval := opts.EditInterval
	if editInterval <= 0 {
		editInterval = defaultEditInterval
	}
	g := &Gateway{
		sender:        opts.Sender,
		agent:         opts.Agent,
		threads:       opts.Threads,
		streamReplies: opts.StreamReplies,
		editInterval:  editInterval,
		logger:        logger.With("component", "gateway"),
		tracer:        otelPkg.Tracer(opts.Tracer),
		metrics:       opts.Metrics,
	}
	g.commands = map[string]commandFunc{
		"/start":  g.cmdStart,
		"/help":   g.cmdHelp,
		"/new":    g.cmdNew,
		"/whoami": g.cmdWhoami,
	}
	g.SetAllowList(opts.AllowedUsers)
	return g
}

// SetAllowList replaces the allow-list. An empty list admits everyone.
func (g *Gateway) SetAllowList(ids []int64) {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	g.allowMu.Lock()
	g.allowed = allowed
	g.allowMu.Unlock()
}

func (g *Gateway) isAllowed(userID int64) bool {
	g.allowMu.RLock()
	defer g.allowMu.RUnlock()
	if len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[userID]
	return ok
}

// Handle processes one inbound message. It never returns an error: failures
// are logged and, where the user is waiting on an answer, replied to.
func (g *Gateway) Handle(ctx context.Context, in Inbound) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if !in.HasSender {
		shared.Logger(ctx, g.logger).Warn("ignoring message without sender", "chat_id", in.ChatID)
		return
	}
	ctx = shared.WithUserID(ctx, in.UserID)
	logger := shared.Logger(ctx, g.logger)

	if !g.isAllowed(in.UserID) {
		logger.Warn("access denied", "user_name", in.UserName)
		audit.Record("deny", "telegram.message", "not_in_allow_list", "user:"+strconv.FormatInt(in.UserID, 10))
		g.metrics.CountDenied(ctx)
		g.send(logger, in.ChatID, AccessDeniedText, FormatPlain)
		return
	}

	if strings.TrimSpace(in.Text) == "" {
		return
	}

	if strings.HasPrefix(in.Text, "/") {
		g.handleCommand(ctx, in, logger)
		return
	}
	g.metrics.CountMessage(ctx, "generate")
	if g.streamReplies {
		g.streamFlow(ctx, in, in.Text, logger)
		return
	}
	g.generateFlow(ctx, in, in.Text, logger)
}

// handleCommand looks the raw message text up in the command table. Only an
// exact match runs a command: arguments, a trailing space or an @botname
// suffix make it unknown.
func (g *Gateway) handleCommand(ctx context.Context, in Inbound, logger *slog.Logger) {
	cmd, ok := g.commands[in.Text]
	name := in.Text
	if !ok {
		name = "unknown"
	}
	ctx, span := otelPkg.StartServerSpan(ctx, g.tracer, "channels.command",
		otelPkg.AttrCommand.String(name),
		otelPkg.AttrUserID.Int64(in.UserID),
	)
	defer span.End()

	if !ok {
		g.metrics.CountMessage(ctx, "unknown_command")
		g.send(logger, in.ChatID, UnknownCommandText, FormatPlain)
		return
	}
	g.metrics.CountMessage(ctx, "command")
	cmd(ctx, in, logger.With("command", name))
}

func (g *Gateway) cmdStart(_ context.Context, in Inbound, logger *slog.Logger) {
	g.send(logger, in.ChatID, WelcomeText, FormatPlain)
}

func (g *Gateway) cmdHelp(_ context.Context, in Inbound, logger *slog.Logger) {
	g.send(logger, in.ChatID, HelpText, FormatMarkdown)
}

func (g *Gateway) cmdNew(ctx context.Context, in Inbound, logger *slog.Logger) {
	threadID, err := g.threads.CreateOverride(ctx, in.UserID)
	if err != nil {
		logger.Error("failed to start new conversation", "error", err)
		g.send(logger, in.ChatID, NewThreadFailText, FormatPlain)
		return
	}
	logger.Info("new conversation started", "thread_id", threadID)
	g.send(logger, in.ChatID, NewThreadText, FormatPlain)
}

func (g *Gateway) cmdWhoami(_ context.Context, in Inbound, logger *slog.Logger) {
	g.send(logger, in.ChatID, fmt.Sprintf("Your Telegram ID: `%d`", in.UserID), FormatMarkdown)
}

func (g *Gateway) generateOptions(userID int64) agent.GenerateOptions {
	return agent.GenerateOptions{
		ThreadID:   g.threads.Resolve(userID),
		ResourceID: threads.ResourceID(userID),
	}
}

func (g *Gateway) generateFlow(ctx context.Context, in Inbound, text string, logger *slog.Logger) {
	opts := g.generateOptions(in.UserID)
	ctx, span := otelPkg.StartServerSpan(ctx, g.tracer, "channels.generate",
		otelPkg.AttrUserID.Int64(in.UserID),
		otelPkg.AttrThreadID.String(opts.ThreadID),
	)
	defer span.End()
	logger = logger.With("thread_id", opts.ThreadID)

	if err := g.sender.Typing(in.ChatID); err != nil {
		logger.Debug("failed to send typing indicator", "error", err)
	}

	resp, err := g.agent.Generate(ctx, text, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("agent generate failed", "error", err)
		g.send(logger, in.ChatID, ApologyText, FormatPlain)
		return
	}

	if _, err := g.sender.Send(in.ChatID, resp.Text, FormatMarkdown); err != nil {
		span.RecordError(err)
		logger.Error("failed to send agent reply", "error", err)
		g.send(logger, in.ChatID, ApologyText, FormatPlain)
		return
	}

	if resp.Usage == nil {
		return
	}
	span.SetAttributes(
		otelPkg.AttrTokensInput.Int64(resp.Usage.InputTokens),
		otelPkg.AttrTokensOutput.Int64(resp.Usage.OutputTokens),
	)
	g.metrics.RecordTokens(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if _, err := g.sender.Send(in.ChatID, FormatUsage(resp.Usage, resp.Cost), FormatPlain); err != nil {
		logger.Warn("failed to send usage summary", "error", err)
	}
}

// FormatUsage renders the token usage follow-up message.
func FormatUsage(usage *agent.Usage, cost *float64) string {
	if cost != nil {
		return fmt.Sprintf("[tokens: %d in + %d out | $%.4f]", usage.InputTokens, usage.OutputTokens, *cost)
	}
	return fmt.Sprintf("[tokens: %d in + %d out]", usage.InputTokens, usage.OutputTokens)
}

// streamFlow sends the first fragment as a new message and folds later
// fragments into it with edits at most once per editInterval. A final edit
// carries the complete text.
func (g *Gateway) streamFlow(ctx context.Context, in Inbound, text string, logger *slog.Logger) {
	opts := g.generateOptions(in.UserID)
	ctx, span := otelPkg.StartServerSpan(ctx, g.tracer, "channels.stream",
		otelPkg.AttrUserID.Int64(in.UserID),
		otelPkg.AttrThreadID.String(opts.ThreadID),
	)
	defer span.End()
	logger = logger.With("thread_id", opts.ThreadID)

	if err := g.sender.Typing(in.ChatID); err != nil {
		logger.Debug("failed to send typing indicator", "error", err)
	}

	stream, err := g.agent.Stream(ctx, text, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("agent stream failed", "error", err)
		g.send(logger, in.ChatID, ApologyText, FormatPlain)
		return
	}
	defer stream.Close()

	var (
		buf       strings.Builder
		messageID int
		lastEdit  time.Time
		shown     string
	)
	for stream.Next() {
		buf.WriteString(stream.Text())
		if messageID == 0 {
			id, err := g.sender.Send(in.ChatID, buf.String(), FormatPlain)
			if err != nil {
				logger.Warn("failed to send first stream fragment", "error", err)
				continue
			}
			messageID, lastEdit, shown = id, time.Now(), buf.String()
			continue
		}
		if time.Since(lastEdit) < g.editInterval {
			continue
		}
		current := buf.String()
		if err := g.sender.Edit(in.ChatID, messageID, current); err != nil {
			logger.Warn("failed to edit streamed reply", "error", err)
		}
		lastEdit, shown = time.Now(), current
	}

	if err := stream.Err(); err != nil {
		span.RecordError(err)
		logger.Error("agent stream interrupted", "error", err, "received_bytes", buf.Len())
	}
	if messageID == 0 {
		if buf.Len() > 0 {
			if _, err := g.sender.Send(in.ChatID, buf.String(), FormatPlain); err == nil {
				return
			}
		}
		g.send(logger, in.ChatID, ApologyText, FormatPlain)
		return
	}
	if final := buf.String(); final != shown {
		if err := g.sender.Edit(in.ChatID, messageID, final); err != nil {
			logger.Warn("failed to apply final edit", "error", err)
		}
	}
}

func (g *Gateway) send(logger *slog.Logger, chatID int64, text string, format Format) {
	if _, err := g.sender.Send(chatID, text, format); err != nil {
		logger.Error("failed to send telegram reply", "error", err)
	}
}
