package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/metrics"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// Submitter enqueues scheduled jobs.
type Submitter interface {
	SubmitTask(ctx context.Context, job model.Job) error
}

// SubmitterFunc is a helper to use functions as Submitters.
type SubmitterFunc func(ctx context.Context, job model.Job) error

// SubmitTask satisfies Submitter.
func (f SubmitterFunc) SubmitTask(ctx context.Context, job model.Job) error { return f(ctx, job) }

// SchedulerConfig is the configuration of the Scheduler.
type SchedulerConfig struct {
	Repository   storage.TaskRepository
	Submitter    Submitter
	PollInterval time.Duration
	Location     *time.Location
	Clock        clockwork.Clock
	Metrics      metrics.Recorder
	Logger       log.Logger
}

func (c *SchedulerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Submitter == nil {
		return fmt.Errorf("submitter is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Scheduler"})
	return nil
}

// Scheduler polls the due tasks and turns them into queue jobs.
type Scheduler struct {
	repo      storage.TaskRepository
	submitter Submitter
	interval  time.Duration
	loc       *time.Location
	clock     clockwork.Clock
	metrics   metrics.Recorder
	logger    log.Logger
}

// NewScheduler returns a new scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Scheduler{
		repo:      cfg.Repository,
		submitter: cfg.Submitter,
		interval:  cfg.PollInterval,
		loc:       cfg.Location,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

// Run polls until the context is cancelled. The first poll happens right away
// so tasks that became due while the process was down are picked up on start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("Scheduler started with %s poll interval", s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx); err != nil {
			s.logger.Errorf("Scheduler poll failed: %s", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// Poll dispatches every due task once and returns the number of enqueued jobs.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	due, err := s.repo.ListDueTasks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("could not list due tasks: %w", err)
	}

	enqueued := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}

		ok, err := s.dispatch(ctx, t.ID, now)
		if err != nil {
			s.logger.WithValues(log.Kv{"task-id": t.ID}).Errorf("Could not dispatch task: %s", err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	return enqueued, nil
}

func (s *Scheduler) dispatch(ctx context.Context, id string, now time.Time) (bool, error) {
	// The listing could be stale, a task paused or cancelled in the middle is skipped.
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if task.Status != model.TaskStatusActive || task.NextRunAt == nil || task.NextRunAt.After(now) {
		return false, nil
	}

	logger := s.logger.WithValues(log.Kv{"thread-id": task.ThreadID, "task-id": task.ID})

	// The next run is stored before the job is enqueued, a crash in between loses
	// one run instead of running it twice.
	next, err := Reschedule(task.Schedule, now, s.loc)
	if err != nil {
		logger.Warningf("Invalid schedule %s, pausing task: %s", task.Schedule, err)
		task.Status = model.TaskStatusPaused
		task.NextRunAt = nil
		task.LastResult = err.Error()
		if err := s.repo.UpdateTask(ctx, *task); err != nil {
			return false, fmt.Errorf("could not pause task: %w", err)
		}
		s.metrics.IncScheduledDispatch("invalid")
		return false, nil
	}
	task.NextRunAt = next
	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return false, fmt.Errorf("could not update next run: %w", err)
	}

	job := model.Job{
		ID:          ulid.Make().String(),
		ThreadID:    task.ThreadID,
		Kind:        model.JobKindScheduled,
		Actor:       "scheduler",
		EnqueuedAt:  now,
		DedupKey:    DedupKey(task.ID),
		TaskID:      task.ID,
		Prompt:      task.Prompt,
		ContextMode: task.ContextMode,
	}

	err = s.submitter.SubmitTask(ctx, job)
	switch {
	case errors.Is(err, model.ErrDuplicateJob):
		logger.Debugf("Previous run still queued, skipping")
		s.metrics.IncScheduledDispatch("duplicate")
		return false, nil
	case err != nil:
		s.metrics.IncScheduledDispatch("error")
		run := model.TaskRun{
			TaskID: task.ID,
			RunAt:  now,
			Status: model.TaskRunStatusError,
			Error:  fmt.Sprintf("could not enqueue: %s", err),
		}
		if rerr := s.RecordRun(ctx, run); rerr != nil {
			logger.Errorf("Could not record failed run: %s", rerr)
		}
		return false, fmt.Errorf("could not enqueue job: %w", err)
	}

	s.metrics.IncScheduledDispatch("enqueued")
	logger.Infof("Task run enqueued as job %s", job.ID)
	return true, nil
}

// RecordRun stores the result of a run and updates the task summary. Runs of
// tasks deleted in the meantime are dropped.
func (s *Scheduler) RecordRun(ctx context.Context, run model.TaskRun) error {
	if err := s.repo.AddTaskRun(ctx, run); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("could not add task run: %w", err)
	}

	task, err := s.repo.GetTask(ctx, run.TaskID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	runAt := run.RunAt
	task.LastRunAt = &runAt
	task.LastResult = summarize(run)

	// A retired once task is done when it succeeds, otherwise it stays around paused
	// so it can be inspected and rescheduled.
	if task.Schedule.Kind == model.ScheduleKindOnce && task.NextRunAt == nil && task.Status == model.TaskStatusActive {
		if run.Status == model.TaskRunStatusSuccess {
			task.Status = model.TaskStatusCompleted
		} else {
			task.Status = model.TaskStatusPaused
		}
	}

	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	return nil
}

const maxResultSummary = 200

func summarize(run model.TaskRun) string {
	s := run.Result
	if run.Status == model.TaskRunStatusError {
		s = "error: " + run.Error
	}
	r := []rune(s)
	if len(r) > maxResultSummary {
		return string(r[:maxResultSummary]) + "..."
	}
	return s
}
