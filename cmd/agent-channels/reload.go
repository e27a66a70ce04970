package main

import (
	"context"
	"log/slog"

	"github.com/basket/agent-channels/internal/config"
	"github.com/basket/agent-channels/internal/telemetry"
)

type allowListSetter interface {
	SetAllowList(ids []int64)
}

// watchConfig re-reads the configuration whenever the config file changes and
// applies the settings that can change at runtime: log level and allow-list.
// It returns when ctx is done.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, level *slog.LevelVar, target allowListSetter) {
	w := config.NewWatcher(path, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "path", path, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			applyConfigReload(logger, level, target)
		}
	}
}

func applyConfigReload(logger *slog.Logger, level *slog.LevelVar, target allowListSetter) bool {
	next, err := config.Load()
	if err != nil {
		logger.Error("config reload rejected; retaining previous settings", "error", err)
		return false
	}
	for _, w := range next.Warnings {
		logger.Warn(w)
	}
	level.Set(telemetry.ParseLevel(next.LogLevel))
	target.SetAllowList(next.AllowedUsers)
	logger.Info("config hot-reloaded",
		"log_level", next.LogLevel,
		"allowed_users", len(next.AllowedUsers),
		"config_fingerprint", next.Fingerprint(),
	)
	return true
}
