package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/metrics"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
	"github.com/slok/codeclaw/internal/utils/env"
)

// MountValidator validates the mounts of a run.
type MountValidator interface {
	ValidateAll(reqs []mount.Request) ([]model.Mount, error)
}

// MailboxFactory opens the mailbox of a thread.
type MailboxFactory func(threadID string) (ipc.Mailbox, error)

// RunnerConfig is the configuration of the Runner.
type RunnerConfig struct {
	Runtime        Runtime
	MountValidator MountValidator
	Mailboxes      MailboxFactory
	ToolHandler    ipc.Handler
	DataDir        string
	Image          string
	HardTimeout    time.Duration
	IdleTimeout    time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int64
	PidsLimit      int64
	MemoryMB       int64
	Network        string
	Timezone       string
	// Env is the base container environment, see env.ParseSpecs.
	Env map[string]string
	// Secrets are sent to the agent on stdin, never in the container environment.
	Secrets         map[string]string
	ResultCacheSize int
	Clock           clockwork.Clock
	Metrics         metrics.Recorder
	Logger          log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}
	if c.MountValidator == nil {
		return fmt.Errorf("mount validator is required")
	}
	if c.Mailboxes == nil {
		return fmt.Errorf("mailbox factory is required")
	}
	if c.ToolHandler == nil {
		return fmt.Errorf("tool handler is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 30 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.IdleTimeout >= c.HardTimeout {
		return fmt.Errorf("idle timeout (%s) must be lower than the hard timeout (%s)", c.IdleTimeout, c.HardTimeout)
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 15 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 10 * 1024 * 1024
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "container.Runner"})
	return nil
}

// Runner runs one agent container per call, from the mount validation to the teardown.
type Runner struct {
	cfg     RunnerConfig
	clock   clockwork.Clock
	metrics metrics.Recorder
	logger  log.Logger
}

// NewRunner returns a new runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// RunRequest is a single agent run.
type RunRequest struct {
	JobID            string
	ThreadID         string
	IsMain           bool
	IsScheduled      bool
	Prompt           string
	SessionID        string
	ResumeAnchor     string
	AdditionalMounts []model.AdditionalMount
	Secrets          map[string]string
	// Timeout overrides, zero uses the runner ones.
	HardTimeout time.Duration
	IdleTimeout time.Duration
}

// RunResult is the outcome of a run that reached the container.
type RunResult struct {
	Handle model.ContainerHandle
	// Messages are the chat messages streamed through IPC followed by the output results.
	Messages      []model.ChatMessage
	Outputs       []Output
	NewSessionID  string
	LastMessageID string
	ExitCode      int
	// Err is the reason of a non completed run.
	Err        error
	LogRef     string
	FinishedAt time.Time
	Abandoned  int
}

var errNoExit = errors.New("container did not exit after being killed")

type exitResult struct {
	code int
	err  error
}

type stopReason string

const (
	stopNone   stopReason = ""
	stopIdle   stopReason = "idle timeout"
	stopHard   stopReason = "hard timeout"
	stopKilled stopReason = "cancelled"
)

// Run runs the agent. Errors are returned only when no container could be started,
// wrapping model.ErrMountRejected (fatal) or model.ErrSpawnFailure (retryable).
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := model.ValidateThreadID(req.ThreadID); err != nil {
		return nil, err
	}
	if req.JobID == "" {
		req.JobID = ulid.Make().String()
	}
	hardTimeout, idleTimeout := r.cfg.HardTimeout, r.cfg.IdleTimeout
	if req.HardTimeout > 0 {
		hardTimeout = req.HardTimeout
	}
	if req.IdleTimeout > 0 {
		idleTimeout = req.IdleTimeout
	}
	if idleTimeout >= hardTimeout {
		return nil, fmt.Errorf("idle timeout %s must be lower than hard timeout %s: %w", idleTimeout, hardTimeout, model.ErrNotValid)
	}

	logger := r.logger.WithValues(log.Kv{"thread-id": req.ThreadID, "job-id": req.JobID})
	handle := model.ContainerHandle{ThreadID: req.ThreadID, Status: model.ContainerStatusPending}

	mounts, err := r.prepareMounts(req)
	if err != nil {
		_ = handle.Transition(model.ContainerStatusFailed)
		logger.Errorf("Mounts rejected, container not spawned: %s", err)
		return nil, err
	}
	handle.Mounts = mounts

	if err := handle.Transition(model.ContainerStatusSpawning); err != nil {
		return nil, err
	}

	mailbox, err := r.cfg.Mailboxes(req.ThreadID)
	if err != nil {
		_ = handle.Transition(model.ContainerStatusFailed)
		return nil, fmt.Errorf("could not open mailbox: %s: %w", err, model.ErrSpawnFailure)
	}
	defer mailbox.Close()

	activity := make(chan struct{}, 1)
	notify := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	watcher, err := ipc.NewWatcher(ipc.WatcherConfig{
		Mailbox:         mailbox,
		Handler:         r.cfg.ToolHandler,
		ThreadID:        req.ThreadID,
		IsMain:          req.IsMain,
		OnActivity:      notify,
		ResultCacheSize: r.cfg.ResultCacheSize,
		Metrics:         r.metrics,
		Logger:          logger,
	})
	if err != nil {
		_ = handle.Transition(model.ContainerStatusFailed)
		return nil, fmt.Errorf("could not create ipc watcher: %s: %w", err, model.ErrSpawnFailure)
	}

	stdin, err := json.Marshal(Input{
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		ResumeAt:        req.ResumeAnchor,
		ThreadID:        req.ThreadID,
		JobID:           req.JobID,
		IsMain:          req.IsMain,
		IsScheduledTask: req.IsScheduled,
		Secrets:         env.MergeMaps(r.cfg.Secrets, req.Secrets),
	})
	if err != nil {
		_ = handle.Transition(model.ContainerStatusFailed)
		return nil, fmt.Errorf("could not marshal input: %w", err)
	}

	spec := SpawnSpec{
		Name:      conventions.ContainerName(req.ThreadID, req.JobID),
		Image:     r.cfg.Image,
		ThreadID:  req.ThreadID,
		JobID:     req.JobID,
		Mounts:    mounts,
		Env:       env.MergeMaps(r.cfg.Env, map[string]string{"TZ": r.cfg.Timezone}),
		Stdin:     stdin,
		PidsLimit: r.cfg.PidsLimit,
		MemoryMB:  r.cfg.MemoryMB,
		Network:   r.cfg.Network,
		Labels: map[string]string{
			conventions.LabelManaged:  "true",
			conventions.LabelThreadID: req.ThreadID,
			conventions.LabelJobID:    req.JobID,
		},
	}

	logger.Infof("Spawning container %s with %d mounts", spec.Name, len(mounts))
	proc, err := r.cfg.Runtime.Spawn(ctx, spec)
	if err != nil {
		_ = handle.Transition(model.ContainerStatusFailed)
		if !errors.Is(err, model.ErrSpawnFailure) {
			err = fmt.Errorf("%s: %w", err, model.ErrSpawnFailure)
		}
		return nil, err
	}

	now := r.clock.Now()
	handle.ID = proc.ID()
	handle.StartedAt = now
	handle.HardDeadline = now.Add(hardTimeout)
	handle.IdleDeadline = now.Add(idleTimeout)
	if err := handle.Transition(model.ContainerStatusRunning); err != nil {
		return nil, err
	}
	logger = logger.WithValues(log.Kv{"container-id": handle.ID})
	logger.Infof("Container running")

	watcher.Start(ctx)

	parser := NewOutputParser(int(r.cfg.MaxOutputBytes), notify)
	stderr := &cappedBuffer{max: int(r.cfg.MaxOutputBytes)}
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		if _, err := parser.ReadFrom(proc.Output()); err != nil {
			logger.Warningf("Stdout stream error: %s", err)
		}
	}()
	go func() {
		defer close(stderrDone)
		if _, err := io.Copy(stderr, proc.Stderr()); err != nil {
			logger.Warningf("Stderr stream error: %s", err)
		}
	}()

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait(context.WithoutCancel(ctx))
		exited <- exitResult{code: code, err: err}
	}()

	hardTimer := r.clock.NewTimer(hardTimeout)
	idleTimer := r.clock.NewTimer(idleTimeout)
	defer hardTimer.Stop()
	defer idleTimer.Stop()

	reason := stopNone
	var exit exitResult
loop:
	for {
		select {
		case exit = <-exited:
			break loop
		case <-activity:
			idleTimer.Reset(idleTimeout)
			handle.IdleDeadline = r.clock.Now().Add(idleTimeout)
		case <-idleTimer.Chan():
			reason = stopIdle
			break loop
		case <-hardTimer.Chan():
			reason = stopHard
			break loop
		case <-ctx.Done():
			reason = stopKilled
			break loop
		}
	}

	// Teardown uses its own context, the job one may be cancelled already.
	teardownCtx := context.WithoutCancel(ctx)
	if reason != stopNone {
		logger.Warningf("Stopping container: %s", reason)
		exit = r.stop(teardownCtx, logger, proc, exited)
	}
	if exit.err != nil {
		logger.Errorf("Could not wait for container: %s", exit.err)
	}

	closeCtx, cancel := context.WithTimeout(teardownCtx, r.cfg.GracePeriod)
	abandoned, _ := watcher.Close(closeCtx)
	cancel()
	// The streams only end once the container is gone.
	if !errors.Is(exit.err, errNoExit) {
		<-stdoutDone
		<-stderrDone
	}

	if err := proc.Remove(teardownCtx); err != nil {
		logger.Errorf("Could not remove container: %s", err)
	}

	result := &RunResult{
		Messages:   watcher.ChatMessages(),
		Outputs:    parser.Outputs(),
		ExitCode:   exit.code,
		FinishedAt: r.clock.Now(),
		Abandoned:  abandoned,
	}
	for _, out := range result.Outputs {
		if out.NewSessionID != "" {
			result.NewSessionID = out.NewSessionID
		}
		if out.LastMessageID != "" {
			result.LastMessageID = out.LastMessageID
		}
		if out.Result != "" {
			result.Messages = append(result.Messages, model.ChatMessage{ThreadID: req.ThreadID, Text: out.Result})
		}
	}

	status, runErr := outcome(reason, exit.code, exit.err, result.Outputs, parser.Malformed())
	if err := handle.Transition(status); err != nil {
		logger.Errorf("Invalid container state: %s", err)
	}
	result.Handle = handle
	result.Err = runErr

	duration := result.FinishedAt.Sub(handle.StartedAt)
	stdoutRaw, stdoutTrunc := parser.Raw()
	stderrRaw, stderrTrunc := stderr.Bytes()
	logRef, err := runLog{
		JobID:       req.JobID,
		ThreadID:    req.ThreadID,
		ContainerID: handle.ID,
		Image:       r.cfg.Image,
		IsMain:      req.IsMain,
		Status:      string(status),
		Reason:      errString(runErr),
		ExitCode:    exit.code,
		StartedAt:   handle.StartedAt,
		Duration:    duration,
		Mounts:      mountLines(mounts),
		Stdout:      stdoutRaw,
		StdoutTrunc: stdoutTrunc,
		Stderr:      stderrRaw,
		StderrTrunc: stderrTrunc,
		Abandoned:   abandoned,
	}.write(conventions.ThreadLogsDir(r.cfg.DataDir, req.ThreadID))
	if err != nil {
		logger.Errorf("Could not write run log: %s", err)
	}
	result.LogRef = logRef

	r.metrics.ObserveContainerRun(string(status), duration)
	if runErr != nil {
		logger.Warningf("Container finished as %s in %s: %s", status, duration, runErr)
		if tailed := tail(stderrRaw, 200); tailed != "" && status == model.ContainerStatusFailed {
			logger.Debugf("Container stderr: %s", tailed)
		}
	} else {
		logger.Infof("Container finished as %s in %s", status, duration)
	}

	return result, nil
}

// stop asks the container to stop gracefully and kills it after the grace period.
func (r *Runner) stop(ctx context.Context, logger log.Logger, proc Process, exited <-chan exitResult) exitResult {
	if err := proc.Signal(ctx, SignalTerm); err != nil {
		logger.Warningf("Could not send %s: %s", SignalTerm, err)
	}
	select {
	case exit := <-exited:
		return exit
	case <-r.clock.After(r.cfg.GracePeriod):
	}

	logger.Warningf("Container did not stop after %s, killing it", r.cfg.GracePeriod)
	if err := proc.Kill(ctx); err != nil {
		logger.Errorf("Could not kill container: %s", err)
	}
	select {
	case exit := <-exited:
		return exit
	case <-r.clock.After(r.cfg.GracePeriod):
		return exitResult{code: -1, err: errNoExit}
	}
}

// prepareMounts creates the thread directories and validates every mount of the run.
func (r *Runner) prepareMounts(req RunRequest) ([]model.Mount, error) {
	dataDir := r.cfg.DataDir
	threadDir := conventions.ThreadDir(dataDir, req.ThreadID)
	sessionDir := conventions.SessionDir(dataDir, req.ThreadID)
	ipcDir := conventions.ThreadIPCDir(dataDir, req.ThreadID)
	for _, dir := range []string{threadDir, conventions.ThreadLogsDir(dataDir, req.ThreadID), sessionDir, ipcDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create %q: %s: %w", dir, err, model.ErrSpawnFailure)
		}
	}

	reqs := []mount.Request{
		{Mount: model.Mount{HostPath: threadDir, ContainerPath: conventions.ContainerThreadDir}},
	}
	if req.IsMain {
		reqs = append(reqs, mount.Request{Mount: model.Mount{HostPath: conventions.GroupsRoot(dataDir), ContainerPath: conventions.ContainerGroupsDir}})
	} else if global := conventions.GlobalMemoryDir(dataDir); dirExists(global) {
		reqs = append(reqs, mount.Request{Mount: model.Mount{HostPath: global, ContainerPath: conventions.ContainerGlobalDir, ReadOnly: true}})
	}
	reqs = append(reqs,
		mount.Request{Mount: model.Mount{HostPath: sessionDir, ContainerPath: conventions.ContainerSessionDir}},
		mount.Request{Mount: model.Mount{HostPath: ipcDir, ContainerPath: conventions.ContainerIPCDir}},
	)

	for _, am := range req.AdditionalMounts {
		if err := am.Validate(); err != nil {
			return nil, fmt.Errorf("invalid additional mount: %s: %w", err, model.ErrMountRejected)
		}
		reqs = append(reqs, mount.Request{
			Mount: model.Mount{
				HostPath:      am.HostPath,
				ContainerPath: conventions.ExtraMountPath(am.ContainerName()),
				ReadOnly:      am.ReadOnly,
			},
			Additional: true,
		})
	}

	for i := range reqs {
		reqs[i].IsMain = req.IsMain
	}

	return r.cfg.MountValidator.ValidateAll(reqs)
}

// outcome decides the terminal status of a run once all its output has been read.
func outcome(reason stopReason, exitCode int, waitErr error, outputs []Output, malformed []error) (model.ContainerStatus, error) {
	switch reason {
	case stopKilled:
		return model.ContainerStatusKilled, fmt.Errorf("run cancelled")
	case stopHard:
		return model.ContainerStatusTimedOut, model.ErrHardTimeout
	case stopIdle:
		// An agent that answered and then went quiet is a finished run.
		if len(outputs) > 0 {
			return model.ContainerStatusCompleted, nil
		}
		return model.ContainerStatusTimedOut, model.ErrIdleTimeout
	}

	switch {
	case waitErr != nil:
		return model.ContainerStatusFailed, waitErr
	case exitCode != 0:
		return model.ContainerStatusFailed, fmt.Errorf("container exited with code %d", exitCode)
	case len(malformed) > 0:
		return model.ContainerStatusFailed, fmt.Errorf("%d malformed output records: %w", len(malformed), malformed[0])
	case len(outputs) > 0 && outputs[len(outputs)-1].Status == OutputStatusError:
		return model.ContainerStatusFailed, fmt.Errorf("agent error: %s", outputs[len(outputs)-1].Error)
	}

	return model.ContainerStatusCompleted, nil
}

func mountLines(mounts []model.Mount) []string {
	lines := make([]string, 0, len(mounts))
	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		lines = append(lines, fmt.Sprintf("%s -> %s (%s)", m.HostPath, m.ContainerPath, mode))
	}
	return lines
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
