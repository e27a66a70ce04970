package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_NoDatabaseOrQueueDependencies(t *testing.T) {
	// The bridge keeps its only state in a JSON file and talks to the agent
	// directly; database drivers and brokers must not creep in.
	root := moduleRoot(t)

	// Built from fragments so a text scan of this file does not match itself.
	banned := []string{
		strings.Join([]string{"github.com/", "mattn/", "go-", "sqlite3"}, ""),
		strings.Join([]string{"github.com/", "lib/", "pq"}, ""),
		strings.Join([]string{"github.com/", "jackc/", "pgx"}, ""),
		strings.Join([]string{"github.com/", "redis/", "go-redis"}, ""),
		strings.Join([]string{"github.com/", "nats-io/"}, ""),
		strings.Join([]string{"github.com/", "rabbitmq/"}, ""),
		strings.Join([]string{"github.com/", "segmentio/", "kafka-go"}, ""),
	}

	b, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	lower := strings.ToLower(string(b))
	for _, s := range banned {
		if strings.Contains(lower, strings.ToLower(s)) {
			t.Fatalf("found banned dependency %q in go.mod", s)
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
