// Package queue serializes the jobs of every thread and bounds how many run at once.
//
// Each thread has its own FIFO and never runs two jobs at the same time. A global
// semaphore caps the running jobs of all threads, jobs over the cap wait and are
// dispatched in arrival order when a slot is released. Nothing is dropped for
// backpressure, only duplicated jobs are refused at admission.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/metrics"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// Executor runs a dispatched job until it reaches a terminal state.
type Executor interface {
	// Execute returns an error wrapping model.ErrSpawnFailure when the job never
	// started and can be retried. Any other error fails the job.
	Execute(ctx context.Context, job model.Job) (model.JobRun, error)
}

// ExecutorFunc is a helper to use functions as Executors.
type ExecutorFunc func(ctx context.Context, job model.Job) (model.JobRun, error)

// Execute satisfies Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job model.Job) (model.JobRun, error) {
	return f(ctx, job)
}

// QueueConfig is the configuration of the Queue.
type QueueConfig struct {
	Executor      Executor
	MaxConcurrent int
	// JobRunRepository is optional, when set every finished job is stored.
	JobRunRepository storage.JobRunRepository
	// MaxSpawnAttempts is the number of tries of a job that fails to spawn.
	MaxSpawnAttempts int
	// OnSpawnExhausted is optional, it's called when a job fails to spawn on every attempt.
	OnSpawnExhausted     func(job model.Job, err error)
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Clock                clockwork.Clock
	Metrics              metrics.Recorder
	Logger               log.Logger
}

func (c *QueueConfig) defaults() error {
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be at least 1")
	}
	if c.MaxSpawnAttempts <= 0 {
		c.MaxSpawnAttempts = 5
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 5 * time.Second
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 2 * time.Minute
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Queue"})
	return nil
}

// Ticket follows a job through the queue.
type Ticket struct {
	JobID      string
	dispatched chan struct{}
	done       chan struct{}
	run        model.JobRun
}

// Dispatched is closed when the job starts running. It's never closed for jobs
// cancelled while pending, so wait on Done too.
func (t *Ticket) Dispatched() <-chan struct{} { return t.dispatched }

// Done is closed when the job reaches a terminal state and its slot is released.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the finished job, only valid after Done is closed.
func (t *Ticket) Result() model.JobRun { return t.run }

type entry struct {
	job    model.Job
	ticket *Ticket
	ctx    context.Context
	cancel context.CancelFunc
}

type threadState struct {
	pending []*entry
	running *entry
	waiting bool
}

// Stats is a snapshot of the queue.
type Stats struct {
	Running int
	Queued  int
}

// Queue is the thread scoped job queue with a global concurrency cap. Every state
// change goes through the queue mutex.
type Queue struct {
	executor         Executor
	jobRuns          storage.JobRunRepository
	maxAttempts      int
	onSpawnExhausted func(job model.Job, err error)
	retryInitial     time.Duration
	retryMax         time.Duration
	sem              *semaphore.Weighted
	clock            clockwork.Clock
	metrics          metrics.Recorder
	logger           log.Logger

	mu      sync.Mutex
	threads map[string]*threadState
	// waiting are the threads with pending jobs blocked by the global cap, in arrival order.
	waiting []string
	running int
	queued  int
	closed  bool

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewQueue returns a new queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		executor:         cfg.Executor,
		jobRuns:          cfg.JobRunRepository,
		maxAttempts:      cfg.MaxSpawnAttempts,
		onSpawnExhausted: cfg.OnSpawnExhausted,
		retryInitial:     cfg.RetryInitialInterval,
		retryMax:         cfg.RetryMaxInterval,
		sem:              semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		clock:            cfg.Clock,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		threads:          map[string]*threadState{},
		baseCtx:          ctx,
		baseCancel:       cancel,
	}, nil
}

// Enqueue admits a job in its thread FIFO and dispatches it right away when the thread
// is idle and a global slot is free. A job with the same dedup key of another job still
// pending in the thread is refused with model.ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, job model.Job) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now().UTC()
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("queue closed: %w", model.ErrShuttingDown)
	}

	state, ok := q.threads[job.ThreadID]
	if !ok {
		state = &threadState{}
		q.threads[job.ThreadID] = state
	}
	if job.DedupKey != "" {
		for _, e := range state.pending {
			if e.job.DedupKey == job.DedupKey {
				return nil, fmt.Errorf("job %q already pending on thread %s: %w", job.DedupKey, job.ThreadID, model.ErrDuplicateJob)
			}
		}
	}

	jobCtx, cancel := context.WithCancel(q.baseCtx)
	e := &entry{
		job:    job,
		ticket: &Ticket{JobID: job.ID, dispatched: make(chan struct{}), done: make(chan struct{})},
		ctx:    jobCtx,
		cancel: cancel,
	}
	state.pending = append(state.pending, e)
	q.queued++

	q.logger.WithValues(log.Kv{"thread-id": job.ThreadID, "job-id": job.ID}).Debugf("Job enqueued (%s)", job.Kind)
	q.dispatch(job.ThreadID)
	q.updateGauges()

	return e.ticket, nil
}

// dispatch starts the next job of the thread if it's idle and there is a free slot,
// otherwise the thread waits for a slot. Must be called with the lock held.
func (q *Queue) dispatch(threadID string) bool {
	state := q.threads[threadID]
	if q.closed || state == nil || state.running != nil || len(state.pending) == 0 {
		return false
	}

	if !q.sem.TryAcquire(1) {
		if !state.waiting {
			state.waiting = true
			q.waiting = append(q.waiting, threadID)
		}
		return false
	}

	e := state.pending[0]
	state.pending = state.pending[1:]
	state.running = e
	q.queued--
	q.running++

	q.wg.Add(1)
	go q.run(e)

	return true
}

// drainWaiting gives the free slots to the waiting threads in order. Must be called with the lock held.
func (q *Queue) drainWaiting() {
	for len(q.waiting) > 0 {
		threadID := q.waiting[0]
		state := q.threads[threadID]
		if state != nil && state.running == nil && len(state.pending) > 0 && !q.dispatch(threadID) {
			// No free slots left, the thread keeps its place.
			return
		}

		q.waiting = q.waiting[1:]
		if state == nil {
			continue
		}
		state.waiting = false
		if state.running == nil && len(state.pending) == 0 {
			delete(q.threads, threadID)
		}
	}
}

// onJobTerminal releases the global slot of the finished job, then dispatches the
// next job of the same thread if any and then the waiting threads.
func (q *Queue) onJobTerminal(threadID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if state := q.threads[threadID]; state != nil {
		state.running = nil
	}
	q.running--
	q.sem.Release(1)

	q.dispatch(threadID)
	q.drainWaiting()

	if state := q.threads[threadID]; state != nil && state.running == nil && len(state.pending) == 0 && !state.waiting {
		delete(q.threads, threadID)
	}
	q.updateGauges()
}

func (q *Queue) run(e *entry) {
	defer q.wg.Done()

	logger := q.logger.WithValues(log.Kv{"thread-id": e.job.ThreadID, "job-id": e.job.ID})
	close(e.ticket.dispatched)
	logger.Infof("Job dispatched (%s, waited %s)", e.job.Kind, q.clock.Since(e.job.EnqueuedAt))

	run := q.execute(e, logger)
	e.cancel()

	if q.jobRuns != nil {
		if err := q.jobRuns.AddJobRun(context.WithoutCancel(e.ctx), run); err != nil {
			logger.Errorf("Could not store job run: %s", err)
		}
	}
	q.metrics.ObserveJob(string(e.job.Kind), string(run.Status), run.FinishedAt.Sub(run.StartedAt))
	logger.Infof("Job finished as %s after %d attempts", run.Status, run.Attempts)

	e.ticket.run = run
	q.onJobTerminal(e.job.ThreadID)
	close(e.ticket.done)
}

// execute runs the job retrying the spawn failures with exponential backoff.
func (q *Queue) execute(e *entry, logger log.Logger) model.JobRun {
	startedAt := q.clock.Now().UTC()
	attempts := 0
	var run model.JobRun

	op := func() error {
		attempts++
		r, err := q.executor.Execute(e.ctx, e.job)
		if err != nil {
			if errors.Is(err, model.ErrSpawnFailure) && e.ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		run = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		q.metrics.IncSpawnRetry()
		logger.Warningf("Job spawn failed (attempt %d/%d), retrying in %s: %s", attempts, q.maxAttempts, next, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retryInitial
	b.MaxInterval = q.retryMax
	b.MaxElapsedTime = 0
	b.Clock = q.clock
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.maxAttempts-1)), e.ctx)

	err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: q.clock})
	if err != nil {
		status := model.JobStatusFailed
		if e.ctx.Err() != nil {
			status = model.JobStatusKilled
		}
		run = model.JobRun{Status: status, Error: err.Error()}
		logger.Errorf("Job could not run: %s", err)
		if status == model.JobStatusFailed && errors.Is(err, model.ErrSpawnFailure) && q.onSpawnExhausted != nil {
			q.onSpawnExhausted(e.job, err)
		}
	}

	run.JobID = e.job.ID
	run.ThreadID = e.job.ThreadID
	run.Kind = e.job.Kind
	run.Attempts = attempts
	if run.Status == "" {
		run.Status = model.JobStatusCompleted
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = startedAt
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = q.clock.Now().UTC()
	}

	return run
}

// Cancel cancels a job. A pending job is removed without running, a running job has
// its context cancelled so the runner stops the container. Returns false if the job is unknown.
func (q *Queue) Cancel(jobID string) bool {
	return q.cancel(func(j model.Job) bool { return j.ID == jobID }, false) > 0
}

// CancelByDedupKey cancels every pending or running job with the dedup key and
// returns how many were cancelled.
func (q *Queue) CancelByDedupKey(key string) int {
	if key == "" {
		return 0
	}
	return q.cancel(func(j model.Job) bool { return j.DedupKey == key }, false)
}

// CancelPendingByDedupKey removes every pending job with the dedup key, a running
// one is left alone. Returns how many were cancelled.
func (q *Queue) CancelPendingByDedupKey(key string) int {
	if key == "" {
		return 0
	}
	return q.cancel(func(j model.Job) bool { return j.DedupKey == key }, true)
}

func (q *Queue) cancel(match func(model.Job) bool, pendingOnly bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for threadID, state := range q.threads {
		if !pendingOnly && state.running != nil && match(state.running.job) {
			state.running.cancel()
			n++
		}

		kept := state.pending[:0]
		for _, e := range state.pending {
			if !match(e.job) {
				kept = append(kept, e)
				continue
			}
			q.resolveCancelled(e)
			n++
		}
		state.pending = kept

		if state.running == nil && len(state.pending) == 0 && !state.waiting {
			delete(q.threads, threadID)
		}
	}
	q.updateGauges()

	return n
}

// resolveCancelled finishes a job that never ran. Must be called with the lock held.
func (q *Queue) resolveCancelled(e *entry) {
	now := q.clock.Now().UTC()
	e.cancel()
	e.ticket.run = model.JobRun{
		JobID:      e.job.ID,
		ThreadID:   e.job.ThreadID,
		Kind:       e.job.Kind,
		Status:     model.JobStatusCancelled,
		StartedAt:  now,
		FinishedAt: now,
	}
	close(e.ticket.done)
	q.queued--
	q.logger.WithValues(log.Kv{"thread-id": e.job.ThreadID, "job-id": e.job.ID}).Infof("Pending job cancelled")
}

// Shutdown stops admitting jobs, cancels the pending ones and waits for the running
// ones. When ctx ends first the running jobs are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for threadID, state := range q.threads {
		for _, e := range state.pending {
			q.resolveCancelled(e)
		}
		state.pending = nil
		state.waiting = false
		if state.running == nil {
			delete(q.threads, threadID)
		}
	}
	q.waiting = nil
	running := q.running
	q.updateGauges()
	q.mu.Unlock()

	q.logger.Infof("Queue shutting down, waiting for %d running jobs", running)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.baseCancel()
		return nil
	case <-ctx.Done():
		q.logger.Warningf("Shutdown grace ended, cancelling running jobs")
		q.baseCancel()
		<-done
		return fmt.Errorf("running jobs cancelled: %w", ctx.Err())
	}
}

// Stats returns the current queue numbers.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Running: q.running, Queued: q.queued}
}

// updateGauges must be called with the lock held.
func (q *Queue) updateGauges() {
	q.metrics.SetJobsRunning(q.running)
	q.metrics.SetJobsQueued(q.queued)
}

// clockTimer is a backoff.Timer on top of the queue clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }
