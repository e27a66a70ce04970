package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agent-channels/internal/agent"
	"github.com/basket/agent-channels/internal/audit"
	"github.com/basket/agent-channels/internal/channels"
	"github.com/basket/agent-channels/internal/config"
	otelPkg "github.com/basket/agent-channels/internal/otel"
	"github.com/basket/agent-channels/internal/shared"
	"github.com/basket/agent-channels/internal/telemetry"
	"github.com/basket/agent-channels/internal/threads"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the Telegram bridge
  %s status          Probe the agent's /health endpoint once
  %s version         Print the version
  %s help            Show this help

ENVIRONMENT VARIABLES:
  TELEGRAM_BOT_TOKEN       Required. Bot token from @BotFather
  ALLOWED_USERS            Comma separated Telegram user ids (empty allows everyone)
  AGENT_URL                Agent base URL (default: %s)
  AGENT_ID                 Agent id (default: %s)
  NOTIFICATION_USER_ID     Telegram user id that receives agent notifications
  LOG_LEVEL                debug, info, warn or error (default: info)
  DATA_DIR                 Directory for threads.json and logs/ (default: .)
  THREADS_FILE             Thread override file (default: threads.json)
  CONFIG_FILE              Optional YAML config, hot-reloaded (default: config.yaml)
  STREAM_REPLIES           Stream replies with progressive edits (default: false)
  OTEL_ENABLED             Enable OpenTelemetry export

A .env file in the working directory is loaded first; existing variables win.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], config.DefaultAgentURL, config.DefaultAgentID)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are recorded.
	if err := audit.Init(cfg.DataDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.DataDir, level)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	if strings.TrimSpace(cfg.NotificationUserIDRaw) != "" && !cfg.NotificationsEnabled {
		logger.Debug("notification recipient is not numeric; notifications disabled")
	}
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version,
		"agent_url", cfg.AgentURL,
		"agent_id", cfg.AgentID,
		"allowed_users", len(cfg.AllowedUsers),
		"notifications", cfg.NotificationsEnabled,
		"stream_replies", cfg.StreamReplies,
		"telegram_bot_token", shared.RedactEnvValue("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken),
		"config_fingerprint", cfg.Fingerprint(),
	)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel,
		otelPkg.AttrPlatform.String(shared.Platform),
		otelPkg.AttrAgentID.String(cfg.AgentID),
	)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	client, err := agent.New(agent.Options{
		BaseURL: cfg.AgentURL,
		AgentID: cfg.AgentID,
		Timeout: cfg.AgentTimeout(),
		Logger:  logger,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_AGENT_CONFIG", err)
	}

	logger.Info("startup phase", "phase", "waiting_for_agent",
		"max_attempts", cfg.AgentReadyAttempts, "interval", cfg.AgentReadyInterval())
	if !client.WaitUntilReady(ctx, cfg.AgentReadyAttempts, cfg.AgentReadyInterval()) {
		if ctx.Err() != nil {
			logger.Info("shutdown requested before agent became ready")
			return
		}
		fatalStartup(logger, "E_AGENT_UNAVAILABLE",
			fmt.Errorf("%w: %s did not become healthy after %d attempts", agent.ErrUnavailable, cfg.AgentURL, cfg.AgentReadyAttempts))
	}
	logger.Info("startup phase", "phase", "agent_ready")

	registry := threads.NewRegistry(cfg.ThreadsPath(), client, logger)
	registry.Load()
	logger.Info("startup phase", "phase", "threads_loaded", "path", cfg.ThreadsPath(), "overrides", registry.Len())

	tg := channels.NewTelegramChannel(channels.TelegramOptions{
		Token:  cfg.TelegramBotToken,
		Logger: logger,
	})
	if err := tg.Connect(); err != nil {
		if errors.Is(err, channels.ErrInvalidToken) {
			fatalStartup(logger, "E_TELEGRAM_TOKEN", err)
		}
		fatalStartup(logger, "E_TELEGRAM_CONNECT", err)
	}

	gw := channels.NewGateway(channels.GatewayOptions{
		Sender:        tg,
		Agent:         client,
		Threads:       registry,
		AllowedUsers:  cfg.AllowedUsers,
		StreamReplies: cfg.StreamReplies,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
	})

	var relay *channels.NotificationRelay
	if cfg.NotificationsEnabled {
		relay = channels.NewNotificationRelay(client, tg, cfg.NotificationUserID, logger, metrics)
		relay.Start()
	} else {
		logger.Info("notification relay disabled", "reason", "no notification recipient configured")
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		writeBanner(os.Stdout, bannerInfo{
			Version:       Version,
			AgentURL:      cfg.AgentURL,
			AgentID:       cfg.AgentID,
			AllowedUsers:  len(cfg.AllowedUsers),
			Notifications: cfg.NotificationsEnabled,
			Streaming:     cfg.StreamReplies,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runChannel(gctx, tg, gw, logger)
	})
	g.Go(func() error {
		watchConfig(gctx, cfg.ConfigFile, logger, level, gw)
		return nil
	})
	logger.Info("startup phase", "phase", "polling")

	if err := g.Wait(); err != nil {
		logger.Error("bridge stopped with error", "error", err)
	}

	if relay != nil {
		relay.Stop()
	}
	tg.Stop()
	logger.Info("shutdown complete", "denied_messages", audit.DenyCount())
}

// runChannel delivers the channel's inbound messages to h until ctx is done.
func runChannel(ctx context.Context, ch channels.Channel, h channels.Handler, logger *slog.Logger) error {
	logger.Info("channel polling", "channel", ch.Name())
	if err := ch.Start(ctx, h); err != nil {
		return fmt.Errorf("%s channel: %w", ch.Name(), err)
	}
	logger.Info("channel stopped", "channel", ch.Name())
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = shared.Redact(err.Error())
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
