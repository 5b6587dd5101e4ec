package container

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	max       int
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.max - c.buf.Len()
	switch {
	case remaining <= 0:
		c.truncated = c.truncated || len(b) > 0
	case len(b) > remaining:
		c.buf.Write(b[:remaining])
		c.truncated = true
	default:
		c.buf.Write(b)
	}
	return len(b), nil
}

func (c *cappedBuffer) Bytes() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte{}, c.buf.Bytes()...), c.truncated
}

// tail returns the last n bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

type runLog struct {
	JobID       string
	ThreadID    string
	ContainerID string
	Image       string
	IsMain      bool
	Status      string
	Reason      string
	ExitCode    int
	StartedAt   time.Time
	Duration    time.Duration
	Mounts      []string
	Stdout      []byte
	StdoutTrunc bool
	Stderr      []byte
	StderrTrunc bool
	Abandoned   int
}

// write writes the run log in dir and returns its path.
func (l runLog) write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create logs dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Container Run Log ===\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", l.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Thread: %s\n", l.ThreadID)
	fmt.Fprintf(&b, "Job: %s\n", l.JobID)
	fmt.Fprintf(&b, "Container: %s\n", l.ContainerID)
	fmt.Fprintf(&b, "Image: %s\n", l.Image)
	fmt.Fprintf(&b, "Is Main: %t\n", l.IsMain)
	fmt.Fprintf(&b, "Status: %s\n", l.Status)
	if l.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", l.Reason)
	}
	fmt.Fprintf(&b, "Exit Code: %d\n", l.ExitCode)
	fmt.Fprintf(&b, "Duration: %s\n", l.Duration)
	fmt.Fprintf(&b, "Abandoned Tool Calls: %d\n", l.Abandoned)
	fmt.Fprintf(&b, "\n=== Mounts ===\n")
	for _, m := range l.Mounts {
		fmt.Fprintf(&b, "%s\n", m)
	}
	fmt.Fprintf(&b, "\n=== Stderr%s ===\n%s\n", truncatedSuffix(l.StderrTrunc), l.Stderr)
	fmt.Fprintf(&b, "\n=== Stdout%s ===\n%s\n", truncatedSuffix(l.StdoutTrunc), l.Stdout)

	path := filepath.Join(dir, fmt.Sprintf("container-%s.log", l.StartedAt.UTC().Format("20060102T150405.000Z")))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("could not write run log: %w", err)
	}

	return path, nil
}

func truncatedSuffix(t bool) string {
	if t {
		return " (TRUNCATED)"
	}
	return ""
}
