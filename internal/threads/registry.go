// Package threads maps chat users to agent conversation threads. Every user
// has a deterministic default thread; /new replaces it with an override
// minted by the agent, and overrides are mirrored to a JSON file.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/basket/agent-channels/internal/agent"
	"github.com/basket/agent-channels/internal/shared"
)

// ErrMalformedState marks an override file that could not be decoded.
var ErrMalformedState = errors.New("malformed thread override file")

// Creator mints a thread on the agent side.
type Creator interface {
	CreateThread(ctx context.Context, resourceID string) (string, error)
}

// Registry resolves thread identifiers. Overrides are keyed by the decimal
// user id and are never pruned.
type Registry struct {
	path    string
	creator Creator
	logger  *slog.Logger

	mu        sync.Mutex
	overrides map[string]string
}

// NewRegistry returns an empty registry persisting to path. Call Load to read
// existing overrides.
func NewRegistry(path string, creator Creator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:      path,
		creator:   creator,
		logger:    logger.With("component", "threads"),
		overrides: make(map[string]string),
	}
}

// DefaultThreadID is the thread a user gets until they start a new one.
func DefaultThreadID(userID int64) string {
	return ResourceID(userID)
}

// ResourceID scopes agent memory to one chat user.
func ResourceID(userID int64) string {
	return shared.Platform + ":" + strconv.FormatInt(userID, 10)
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Resolve returns the user's override if one exists, else the default thread.
func (r *Registry) Resolve(userID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.overrides[userKey(userID)]; ok {
		return id
	}
	return DefaultThreadID(userID)
}

// CreateOverride mints a new thread for the user, stores it and rewrites the
// override file. On failure the registry is left as it was.
func (r *Registry) CreateOverride(ctx context.Context, userID int64) (string, error) {
	threadID, err := r.creator.CreateThread(ctx, ResourceID(userID))
	if err != nil {
		return "", fmt.Errorf("create thread: %w: %w", agent.ErrUnavailable, err)
	}

	key := userKey(userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, hadPrev := r.overrides[key]
	r.overrides[key] = threadID
	if err := r.persistLocked(); err != nil {
		if hadPrev {
			r.overrides[key] = prev
		} else {
			delete(r.overrides, key)
		}
		return "", err
	}
	r.logger.Info("thread override created", "user_id", userID, "thread_id", threadID)
	return threadID, nil
}

// Load reads the override file. A missing file leaves the registry empty; an
// unreadable or malformed file is logged and discarded. Load never fails.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = make(map[string]string)
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read thread overrides, starting fresh", "path", r.path, "error", err)
		}
		return
	}

	loaded := make(map[string]string)
	if err := json.Unmarshal(data, &loaded); err != nil {
		r.logger.Warn("failed to parse thread overrides, starting fresh",
			"path", r.path, "error", fmt.Errorf("%w: %v", ErrMalformedState, err))
		return
	}
	if loaded != nil {
		r.overrides = loaded
	}
	r.logger.Debug("loaded thread overrides", "path", r.path, "count", len(r.overrides))
}

// Len returns the number of stored overrides.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.overrides)
}

// persistLocked overwrites the file with the whole map. Must be called with mu held.
func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread overrides: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create thread override dir: %w", err)
		}
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write thread overrides: %w", err)
	}
	return nil
}
