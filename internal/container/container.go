package container

import (
	"context"
	"io"

	"github.com/slok/codeclaw/internal/model"
)

// Signals sent to the processes.
const (
	SignalTerm = "SIGTERM"
	SignalKill = "SIGKILL"
)

// SpawnSpec is everything a runtime needs to start an agent container.
type SpawnSpec struct {
	Name     string
	Image    string
	ThreadID string
	JobID    string
	Mounts   []model.Mount
	// Env is the complete container environment, nothing is inherited from the host.
	Env map[string]string
	// Stdin is written to the container standard input and then closed.
	Stdin     []byte
	PidsLimit int64
	MemoryMB  int64
	Network   string
	Labels    map[string]string
}

// Process is a running agent container.
type Process interface {
	ID() string
	// Output is the container stdout, it ends when the container exits.
	Output() io.Reader
	// Stderr is the container stderr, it ends when the container exits.
	Stderr() io.Reader
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	Signal(ctx context.Context, signal string) error
	Kill(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Runtime spawns agent containers.
type Runtime interface {
	// Check performs preflight checks and returns the results.
	Check(ctx context.Context) []model.CheckResult
	// Spawn starts a container, failures are returned wrapping model.ErrSpawnFailure.
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
	// CleanupOrphans removes the managed containers left by a previous process.
	CleanupOrphans(ctx context.Context) (int, error)
}

// Input is the JSON document written to the agent stdin.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	ResumeAt        string            `json:"resumeAt,omitempty"`
	ThreadID        string            `json:"threadId"`
	JobID           string            `json:"jobId"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// Output status values.
const (
	OutputStatusSuccess = "success"
	OutputStatusError   = "error"
)

// Output is one record emitted by the agent on stdout between the output markers.
type Output struct {
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	NewSessionID  string `json:"newSessionId,omitempty"`
	LastMessageID string `json:"lastMessageId,omitempty"`
	Error         string `json:"error,omitempty"`
}
