package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/agent-channels/internal/agent"
	"github.com/basket/agent-channels/internal/config"
	"github.com/fatih/color"
)

func runStatusCommand(ctx context.Context, args []string) int {
	return statusCommand(ctx, args, os.Stdout, os.Stderr)
}

func statusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: agent-channels status")
		return 2
	}

	// The probe only needs the agent address; a missing bot token is fine here.
	cfg, err := config.Load()
	var cfgErr *config.ConfigError
	if err != nil && !(errors.As(err, &cfgErr) && cfgErr.Key == "TELEGRAM_BOT_TOKEN") {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	client, err := agent.New(agent.Options{
		BaseURL: cfg.AgentURL,
		AgentID: cfg.AgentID,
		Timeout: 3 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(reqCtx); err != nil {
		fmt.Fprintf(stdout, "%s %s: %v\n", color.RedString("unhealthy"), client.BaseURL(), err)
		return 1
	}
	fmt.Fprintf(stdout, "%s %s (agent %s)\n", color.GreenString("healthy"), client.BaseURL(), client.AgentID())
	return 0
}
