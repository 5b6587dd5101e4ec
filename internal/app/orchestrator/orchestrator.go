// Package orchestrator wires the codeclaw control flow: admitted events become
// thread messages and queue jobs, jobs become agent runs, and the run outcomes move
// the session continuity forward or are retried.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/channel"
	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/queue"
	"github.com/slok/codeclaw/internal/session"
	"github.com/slok/codeclaw/internal/storage"
)

// Runner runs the agent containers.
type Runner interface {
	Run(ctx context.Context, req container.RunRequest) (*container.RunResult, error)
}

// Gate admits the inbound events.
type Gate interface {
	SubmitEvent(ctx context.Context, ev model.Event) (model.Decision, error)
}

// JobQueue is where the jobs wait for their turn.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.Job) (*queue.Ticket, error)
}

// TaskRunRecorder stores the outcome of the scheduled runs.
type TaskRunRecorder interface {
	RecordRun(ctx context.Context, run model.TaskRun) error
}

// OrchestratorConfig is the configuration of the Orchestrator.
type OrchestratorConfig struct {
	Gate              Gate
	Queue             JobQueue
	Runner            Runner
	Sessions          *session.Manager
	MessageRepository storage.MessageRepository
	Channel           channel.Channel
	TaskRuns          TaskRunRecorder
	MainThreadID      string
	// ThreadMounts are the additional mounts of each thread.
	ThreadMounts map[string][]model.AdditionalMount
	// MaxRunRetries is the number of retries of a failed event run before giving up
	// and notifying the thread.
	MaxRunRetries   int
	RunRetryBackoff time.Duration
	Clock           clockwork.Clock
	Logger          log.Logger
}

func (c *OrchestratorConfig) defaults() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("runner is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("session manager is required")
	}
	if c.MessageRepository == nil {
		return fmt.Errorf("message repository is required")
	}
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.TaskRuns == nil {
		return fmt.Errorf("task run recorder is required")
	}
	if c.MaxRunRetries < 0 {
		return fmt.Errorf("max run retries can't be negative")
	}
	if c.RunRetryBackoff <= 0 {
		c.RunRetryBackoff = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})
	return nil
}

type retryState struct {
	attempts int
	backoff  *backoff.ExponentialBackOff
}

// Orchestrator is the queue executor and the entrypoint of the inbound events and
// the scheduled tasks.
type Orchestrator struct {
	gate         Gate
	queue        JobQueue
	runner       Runner
	sessions     *session.Manager
	messages     storage.MessageRepository
	channel      channel.Channel
	taskRuns     TaskRunRecorder
	mainThreadID string
	threadMounts map[string][]model.AdditionalMount
	maxRetries   int
	retryBackoff time.Duration
	clock        clockwork.Clock
	logger       log.Logger

	mu        sync.Mutex
	retries   map[string]*retryState
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ queue.Executor = &Orchestrator{}

// NewOrchestrator returns a new orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		gate:         cfg.Gate,
		queue:        cfg.Queue,
		runner:       cfg.Runner,
		sessions:     cfg.Sessions,
		messages:     cfg.MessageRepository,
		channel:      cfg.Channel,
		taskRuns:     cfg.TaskRuns,
		mainThreadID: cfg.MainThreadID,
		threadMounts: cfg.ThreadMounts,
		maxRetries:   cfg.MaxRunRetries,
		retryBackoff: cfg.RunRetryBackoff,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		retries:      map[string]*retryState{},
		closed:       make(chan struct{}),
	}, nil
}

// MessagesDedupKey is the dedup key of the event jobs of a thread. An event job
// processes every pending message of its thread, so one pending job per thread is enough.
func MessagesDedupKey(threadID string) string { return "messages:" + threadID }

// SubmitEvent admits an inbound event, stores it as a thread message and enqueues
// the thread for processing. Only accepted events are stored.
func (o *Orchestrator) SubmitEvent(ctx context.Context, ev model.Event) (model.Decision, error) {
	decision, err := o.gate.SubmitEvent(ctx, ev)
	if err != nil || decision.Kind != model.DecisionAccepted {
		return decision, err
	}

	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = o.clock.Now().UTC()
	}
	msg := model.Message{
		ID:        ev.DeliveryID,
		ThreadID:  decision.ThreadID,
		Sender:    ev.Actor,
		Content:   ev.Payload,
		Timestamp: ts,
	}
	if err := o.messages.AddMessage(ctx, msg); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return decision, fmt.Errorf("could not store message: %w", err)
	}

	if err := o.enqueueThread(ctx, decision.ThreadID, ev.Actor, ev.DeliveryID); err != nil {
		return decision, err
	}

	return decision, nil
}

// SubmitTask satisfies scheduler.Submitter.
func (o *Orchestrator) SubmitTask(ctx context.Context, job model.Job) error {
	_, err := o.queue.Enqueue(ctx, job)
	return err
}

// RecoverPending enqueues the threads that have messages not consumed by a completed
// run, e.g. because the process stopped in the middle of a run. Returns the number of
// enqueued threads.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	threads, err := o.messages.ListMessageThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list threads: %w", err)
	}

	recovered := 0
	for _, threadID := range threads {
		pending, err := o.sessions.PendingMessages(ctx, threadID)
		if err != nil {
			return recovered, err
		}
		if len(pending) == 0 {
			continue
		}

		o.logger.WithValues(log.Kv{"thread-id": threadID}).Infof("Recovering %d pending messages", len(pending))
		if err := o.enqueueThread(ctx, threadID, "recovery", ""); err != nil {
			return recovered, err
		}
		recovered++
	}

	return recovered, nil
}

func (o *Orchestrator) enqueueThread(ctx context.Context, threadID, actor, payloadRef string) error {
	job := model.Job{
		ID:         ulid.Make().String(),
		ThreadID:   threadID,
		Kind:       model.JobKindEvent,
		Actor:      actor,
		PayloadRef: payloadRef,
		DedupKey:   MessagesDedupKey(threadID),
	}
	_, err := o.queue.Enqueue(ctx, job)
	if err != nil && !errors.Is(err, model.ErrDuplicateJob) {
		return fmt.Errorf("could not enqueue thread: %w", err)
	}
	return nil
}

// Execute satisfies queue.Executor.
func (o *Orchestrator) Execute(ctx context.Context, job model.Job) (model.JobRun, error) {
	switch job.Kind {
	case model.JobKindEvent:
		return o.executeEvent(ctx, job)
	case model.JobKindScheduled:
		return o.executeScheduled(ctx, job)
	}
	return model.JobRun{}, fmt.Errorf("unknown job kind %q: %w", job.Kind, model.ErrNotValid)
}

func (o *Orchestrator) executeEvent(ctx context.Context, job model.Job) (model.JobRun, error) {
	logger := o.logger.WithValues(log.Kv{"thread-id": job.ThreadID, "job-id": job.ID})

	pending, err := o.sessions.PendingMessages(ctx, job.ThreadID)
	if err != nil {
		return model.JobRun{}, err
	}
	if len(pending) == 0 {
		logger.Debugf("No pending messages")
		return model.JobRun{Status: model.JobStatusCompleted}, nil
	}

	resume, err := o.sessions.Begin(ctx, job.ThreadID)
	if err != nil {
		return model.JobRun{}, err
	}

	logger.Infof("Processing %d messages", len(pending))
	res, err := o.runner.Run(ctx, container.RunRequest{
		JobID:            job.ID,
		ThreadID:         job.ThreadID,
		IsMain:           job.ThreadID == o.mainThreadID,
		Prompt:           FormatMessages(pending),
		SessionID:        resume.SessionID,
		ResumeAnchor:     resume.Anchor,
		AdditionalMounts: o.threadMounts[job.ThreadID],
	})
	if err != nil {
		// Spawn failures are retried by the queue.
		if errors.Is(err, model.ErrSpawnFailure) {
			return model.JobRun{}, err
		}
		o.sessions.Abort(ctx, job.ThreadID, model.JobStatusFailed)
		logger.Errorf("Run could not start: %s", err)
		o.notifyFailure(ctx, job.ThreadID, job.ID, err)
		return model.JobRun{Status: model.JobStatusFailed, Error: err.Error()}, nil
	}

	status := res.Handle.Status.JobStatus()
	if status != model.JobStatusCompleted {
		o.sessions.Abort(ctx, job.ThreadID, status)
		if ctx.Err() == nil {
			o.scheduleRetry(job.ThreadID, job.ID, res.Err)
		}
		return jobRun(res), nil
	}

	// Outputs are posted only after the session is stored.
	err = o.sessions.Complete(ctx, job.ThreadID, session.Outcome{
		SessionID:      res.NewSessionID,
		LastMessageID:  res.LastMessageID,
		ConsumedCursor: pending[len(pending)-1].ID,
	})
	if err != nil {
		logger.Errorf("Could not advance session: %s", err)
		o.scheduleRetry(job.ThreadID, job.ID, err)
		run := jobRun(res)
		run.Status = model.JobStatusFailed
		run.Error = err.Error()
		return run, nil
	}
	o.post(ctx, logger, res.Messages)
	o.resetRetries(job.ThreadID)

	return jobRun(res), nil
}

func (o *Orchestrator) executeScheduled(ctx context.Context, job model.Job) (model.JobRun, error) {
	logger := o.logger.WithValues(log.Kv{"thread-id": job.ThreadID, "job-id": job.ID, "task-id": job.TaskID})
	runAt := o.clock.Now().UTC()

	// Isolated runs start a fresh session and never touch the thread one.
	var resume session.Resume
	if job.ContextMode == model.ContextModeGroup {
		r, err := o.sessions.Begin(ctx, job.ThreadID)
		if err != nil {
			return model.JobRun{}, err
		}
		resume = r
	}

	res, err := o.runner.Run(ctx, container.RunRequest{
		JobID:            job.ID,
		ThreadID:         job.ThreadID,
		IsMain:           job.ThreadID == o.mainThreadID,
		IsScheduled:      true,
		Prompt:           job.Prompt,
		SessionID:        resume.SessionID,
		ResumeAnchor:     resume.Anchor,
		AdditionalMounts: o.threadMounts[job.ThreadID],
	})
	if err != nil {
		if errors.Is(err, model.ErrSpawnFailure) {
			return model.JobRun{}, err
		}
		o.recordTaskRun(ctx, logger, model.TaskRun{
			TaskID:   job.TaskID,
			RunAt:    runAt,
			Duration: o.clock.Since(runAt),
			Status:   model.TaskRunStatusError,
			Error:    err.Error(),
		})
		return model.JobRun{Status: model.JobStatusFailed, Error: err.Error()}, nil
	}

	// The outputs of failed runs only reach the task run log, never the thread.
	jr := jobRun(res)
	run := model.TaskRun{
		TaskID:   job.TaskID,
		RunAt:    runAt,
		Duration: res.FinishedAt.Sub(runAt),
		Status:   model.TaskRunStatusSuccess,
		Result:   resultSummary(res.Messages),
	}
	switch {
	case res.Handle.Status != model.ContainerStatusCompleted:
		run.Status = model.TaskRunStatusError
		run.Error = runError(res)
	case job.ContextMode == model.ContextModeGroup:
		err := o.sessions.Complete(ctx, job.ThreadID, session.Outcome{
			SessionID:     res.NewSessionID,
			LastMessageID: res.LastMessageID,
		})
		if err != nil {
			logger.Errorf("Could not advance session: %s", err)
			run.Status = model.TaskRunStatusError
			run.Error = err.Error()
			jr.Status = model.JobStatusFailed
			jr.Error = err.Error()
		}
	}
	if run.Status == model.TaskRunStatusSuccess {
		o.post(ctx, logger, res.Messages)
	}
	o.recordTaskRun(ctx, logger, run)

	return jr, nil
}

// SpawnExhausted is called by the queue when a job could not start after all the
// spawn attempts. Event jobs go through the run retries, scheduled jobs log a failed
// task run.
func (o *Orchestrator) SpawnExhausted(job model.Job, cause error) {
	ctx := context.Background()
	logger := o.logger.WithValues(log.Kv{"thread-id": job.ThreadID, "job-id": job.ID})

	switch job.Kind {
	case model.JobKindEvent:
		o.sessions.Abort(ctx, job.ThreadID, model.JobStatusFailed)
		o.scheduleRetry(job.ThreadID, job.ID, cause)
	case model.JobKindScheduled:
		o.recordTaskRun(ctx, logger.WithValues(log.Kv{"task-id": job.TaskID}), model.TaskRun{
			TaskID: job.TaskID,
			RunAt:  o.clock.Now().UTC(),
			Status: model.TaskRunStatusError,
			Error:  cause.Error(),
		})
	}
}

func (o *Orchestrator) recordTaskRun(ctx context.Context, logger log.Logger, run model.TaskRun) {
	if err := o.taskRuns.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Errorf("Could not record task run: %s", err)
	}
}

func (o *Orchestrator) post(ctx context.Context, logger log.Logger, msgs []model.ChatMessage) {
	ctx = context.WithoutCancel(ctx)
	for _, m := range msgs {
		m.Text = StripInternal(m.Text)
		if m.Text == "" {
			continue
		}
		if err := o.channel.PostMessage(ctx, m); err != nil {
			logger.Errorf("Could not post message: %s", err)
		}
	}
}

// scheduleRetry enqueues the thread again after an exponential delay. Once the
// retries are exhausted the thread is notified and the counter starts over, the
// messages stay pending for the next event.
func (o *Orchestrator) scheduleRetry(threadID, jobID string, cause error) {
	logger := o.logger.WithValues(log.Kv{"thread-id": threadID, "job-id": jobID})

	o.mu.Lock()
	st, ok := o.retries[threadID]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = o.retryBackoff
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = 64 * o.retryBackoff
		b.MaxElapsedTime = 0
		b.Clock = o.clock
		b.Reset()
		st = &retryState{backoff: b}
		o.retries[threadID] = st
	}
	st.attempts++
	attempts := st.attempts
	exhausted := attempts > o.maxRetries
	if exhausted {
		delete(o.retries, threadID)
	}
	delay := st.backoff.NextBackOff()
	o.mu.Unlock()

	if exhausted {
		logger.Errorf("Run failed after %d retries, giving up", o.maxRetries)
		o.notifyFailure(context.Background(), threadID, jobID, cause)
		return
	}

	logger.Warningf("Run failed, retry %d/%d in %s", attempts, o.maxRetries, delay)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.closed:
			return
		case <-o.clock.After(delay):
		}
		if err := o.enqueueThread(context.Background(), threadID, "retry", ""); err != nil {
			logger.Errorf("Could not enqueue retry: %s", err)
		}
	}()
}

func (o *Orchestrator) resetRetries(threadID string) {
	o.mu.Lock()
	delete(o.retries, threadID)
	o.mu.Unlock()
}

func (o *Orchestrator) notifyFailure(ctx context.Context, threadID, jobID string, cause error) {
	text := fmt.Sprintf("I could not process the latest messages of this thread (job %s).", jobID)
	if cause != nil {
		text += " Reason: " + cause.Error()
	}
	err := o.channel.PostMessage(context.WithoutCancel(ctx), model.ChatMessage{ThreadID: threadID, Text: text})
	if err != nil {
		o.logger.WithValues(log.Kv{"thread-id": threadID}).Errorf("Could not post failure notification: %s", err)
	}
}

// Close stops the pending retries.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() { close(o.closed) })
	o.wg.Wait()
	return nil
}

func jobRun(res *container.RunResult) model.JobRun {
	return model.JobRun{
		ContainerID: res.Handle.ID,
		Status:      res.Handle.Status.JobStatus(),
		Error:       runError(res),
		LogRef:      res.LogRef,
		StartedAt:   res.Handle.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
}

func runError(res *container.RunResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.Handle.Status != model.ContainerStatusCompleted {
		return fmt.Sprintf("container ended as %s (exit code %d)", res.Handle.Status, res.ExitCode)
	}
	return ""
}

func resultSummary(msgs []model.ChatMessage) string {
	texts := []string{}
	for _, m := range msgs {
		if t := StripInternal(m.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return "completed"
	}
	return strings.Join(texts, "\n")
}
