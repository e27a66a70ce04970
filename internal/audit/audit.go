// Package audit appends access decisions and fatal startup events to
// <dataDir>/logs/audit.jsonl. Entries are redacted before they are written.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agent-channels/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Decision   string `json:"decision"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
	Subject    string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one entry. Before Init (or after Close) only the deny
// counter is updated.
func Record(decision, capability, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Decision:   decision,
		Capability: capability,
		Reason:     reason,
		Subject:    subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
