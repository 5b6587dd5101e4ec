package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
)

// Exit codes of the signalled processes.
const (
	ExitCodeTerm = 143
	ExitCodeKill = 137
)

// Script describes how a fake container behaves.
type Script struct {
	// Stdout lines are written in order, see OutputRecord.
	Stdout   []string
	Stderr   string
	ExitCode int
	// Block keeps the container running after writing the stdout until it's signalled.
	Block bool
	// IgnoreTerm makes the container ignore SIGTERM so only a kill stops it.
	IgnoreTerm bool
	SpawnErr   error
	// OnStart is called before the output is written.
	OnStart func(spec container.SpawnSpec)
}

// RuntimeConfig is the configuration of the fake runtime.
type RuntimeConfig struct {
	// Scripts are used in spawn order, the last one is reused.
	Scripts      []Script
	CheckResults []model.CheckResult
	Orphans      int
	Logger       log.Logger
}

func (c *RuntimeConfig) defaults() error {
	if len(c.Scripts) == 0 {
		c.Scripts = []Script{{}}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "container.fake.Runtime"})
	return nil
}

// Runtime is a fake container.Runtime that runs scripted containers in memory.
type Runtime struct {
	scripts      []Script
	checkResults []model.CheckResult
	orphans      int
	logger       log.Logger

	mu        sync.Mutex
	spawns    int
	specs     []container.SpawnSpec
	processes []*Process
}

// NewRuntime returns a new fake runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runtime{
		scripts:      cfg.Scripts,
		checkResults: cfg.CheckResults,
		orphans:      cfg.Orphans,
		logger:       cfg.Logger,
	}, nil
}

// Check returns the configured check results.
func (r *Runtime) Check(ctx context.Context) []model.CheckResult {
	if r.checkResults != nil {
		return r.checkResults
	}
	return []model.CheckResult{{ID: "fake", Status: model.CheckStatusOK, Message: "fake runtime"}}
}

// Spawn starts a scripted container.
func (r *Runtime) Spawn(ctx context.Context, spec container.SpawnSpec) (container.Process, error) {
	r.mu.Lock()
	script := r.scripts[min(r.spawns, len(r.scripts)-1)]
	r.spawns++
	r.specs = append(r.specs, spec)
	r.mu.Unlock()

	if script.SpawnErr != nil {
		return nil, fmt.Errorf("could not spawn %s: %s: %w", spec.Name, script.SpawnErr, model.ErrSpawnFailure)
	}

	p := newProcess(ulid.Make().String(), script)
	r.mu.Lock()
	r.processes = append(r.processes, p)
	r.mu.Unlock()

	go p.run(spec)
	r.logger.Debugf("Fake container %s spawned", p.id)

	return p, nil
}

// CleanupOrphans returns the configured orphans once.
func (r *Runtime) CleanupOrphans(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.orphans
	r.orphans = 0
	return n, nil
}

// Specs returns the spawn specs received in order.
func (r *Runtime) Specs() []container.SpawnSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]container.SpawnSpec{}, r.specs...)
}

// Processes returns the spawned processes in order.
func (r *Runtime) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process{}, r.processes...)
}

// Process is a fake container process.
type Process struct {
	id     string
	script Script

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	done             chan struct{}
	exitOnce         sync.Once

	mu       sync.Mutex
	exitCode int
	signals  []string
	removed  bool
}

func newProcess(id string, script Script) *Process {
	p := &Process{id: id, script: script, done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) run(spec container.SpawnSpec) {
	if p.script.OnStart != nil {
		p.script.OnStart(spec)
	}

	if p.script.Stderr != "" {
		go func() { _, _ = io.WriteString(p.stderrW, p.script.Stderr) }()
	}
	for _, line := range p.script.Stdout {
		if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
			return
		}
	}

	if !p.script.Block {
		p.exit(p.script.ExitCode)
	}
}

func (p *Process) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

func (p *Process) ID() string        { return p.id }
func (p *Process) Output() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }

func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *Process) Signal(ctx context.Context, signal string) error {
	p.mu.Lock()
	p.signals = append(p.signals, signal)
	p.mu.Unlock()

	switch {
	case signal == container.SignalKill:
		p.exit(ExitCodeKill)
	case signal == container.SignalTerm && !p.script.IgnoreTerm:
		p.exit(ExitCodeTerm)
	}
	return nil
}

func (p *Process) Kill(ctx context.Context) error {
	return p.Signal(ctx, container.SignalKill)
}

func (p *Process) Remove(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = true
	return nil
}

// Signals returns the signals received in order.
func (p *Process) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.signals...)
}

// Removed returns true if the container was removed.
func (p *Process) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

// Exited returns true if the container is not running.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// OutputRecord returns the stdout text of one output record.
func OutputRecord(out container.Output) string {
	data, _ := json.Marshal(out)
	return container.OutputStartMarker + "\n" + string(data) + "\n" + container.OutputEndMarker
}
