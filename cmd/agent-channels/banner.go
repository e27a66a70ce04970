package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

type bannerInfo struct {
	Version       string
	AgentURL      string
	AgentID       string
	AllowedUsers  int
	Notifications bool
	Streaming     bool
}

// writeBanner prints the startup summary shown on interactive terminals.
func writeBanner(w io.Writer, info bannerInfo) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Faint)
	on := color.New(color.FgGreen)
	off := color.New(color.FgYellow)

	state := func(enabled bool) string {
		if enabled {
			return on.Sprint("on")
		}
		return off.Sprint("off")
	}
	access := on.Sprint("everyone")
	if info.AllowedUsers > 0 {
		access = fmt.Sprintf("%d user(s)", info.AllowedUsers)
	}

	title.Fprintf(w, "agent-channels %s\n", info.Version)
	fmt.Fprintf(w, "  %s %s (agent %s)\n", label.Sprint("agent        "), info.AgentURL, info.AgentID)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("access       "), access)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("notifications"), state(info.Notifications))
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("streaming    "), state(info.Streaming))
}
