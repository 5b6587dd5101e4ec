package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// JobCanceler cancels queued jobs of a task. CancelPendingByDedupKey must leave a
// running job untouched.
type JobCanceler interface {
	CancelByDedupKey(key string) int
	CancelPendingByDedupKey(key string) int
}

// DedupKey returns the queue dedup key used by the jobs of a task.
func DedupKey(taskID string) string { return "task:" + taskID }

// ServiceConfig is the configuration of the task Service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Location   *time.Location
	// Canceler is optional, when set cancelling a task also drops its queued jobs.
	Canceler JobCanceler
	Clock    clockwork.Clock
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Service"})
	return nil
}

// Service has the scheduled task operations.
type Service struct {
	repo     storage.TaskRepository
	loc      *time.Location
	canceler JobCanceler
	clock    clockwork.Clock
	logger   log.Logger
}

// NewService returns a new task service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:     cfg.Repository,
		loc:      cfg.Location,
		canceler: cfg.Canceler,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// CreateRequest is the request to create a task.
type CreateRequest struct {
	ThreadID    string
	Schedule    model.Schedule
	Prompt      string
	ContextMode model.ContextMode
}

// Create creates a new active task with its first run computed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.ScheduledTask, error) {
	now := s.clock.Now().UTC()

	if req.ContextMode == "" {
		req.ContextMode = model.ContextModeIsolated
	}

	next, err := NextRun(req.Schedule, now, s.loc)
	if err != nil {
		return nil, err
	}

	task := model.ScheduledTask{
		ID:          ulid.Make().String(),
		ThreadID:    req.ThreadID,
		Schedule:    req.Schedule,
		Prompt:      strings.TrimSpace(req.Prompt),
		ContextMode: req.ContextMode,
		NextRunAt:   &next,
		Status:      model.TaskStatusActive,
		CreatedAt:   now,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not create task: %w", err)
	}

	s.logger.WithValues(log.Kv{"thread-id": task.ThreadID, "task-id": task.ID}).Infof("Task scheduled %s, next run at %s", task.Schedule, next.Format(time.RFC3339))
	return &task, nil
}

// Get returns a task.
func (s *Service) Get(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return s.repo.GetTask(ctx, id)
}

// List lists the tasks of a thread, every task if threadID is empty.
func (s *Service) List(ctx context.Context, threadID string) ([]model.ScheduledTask, error) {
	return s.repo.ListTasks(ctx, threadID)
}

// Runs returns the latest runs of a task.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]model.TaskRun, error) {
	return s.repo.ListTaskRuns(ctx, id, limit)
}

// UpdateRequest is the request to update a task, nil fields are not changed.
type UpdateRequest struct {
	ID          string
	Schedule    *model.Schedule
	Prompt      *string
	ContextMode *model.ContextMode
}

// Update updates a task. Changing the schedule of an active task recomputes its next run.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*model.ScheduledTask, error) {
	task, err := s.repo.GetTask(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskStatusCompleted {
		return nil, fmt.Errorf("task %s is completed: %w", task.ID, model.ErrNotValid)
	}

	if req.Prompt != nil {
		task.Prompt = strings.TrimSpace(*req.Prompt)
	}
	if req.ContextMode != nil {
		task.ContextMode = *req.ContextMode
	}
	if req.Schedule != nil {
		next, err := NextRun(*req.Schedule, s.clock.Now().UTC(), s.loc)
		if err != nil {
			return nil, err
		}
		task.Schedule = *req.Schedule
		task.NextRunAt = &next
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}

	return task, nil
}

// Pause pauses an active task.
func (s *Service) Pause(ctx context.Context, id string) (*model.ScheduledTask, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusActive {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, model.ErrNotValid)
	}

	task.Status = model.TaskStatusPaused
	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}
	// A run already in flight finishes, only the queued ones are dropped.
	if s.canceler != nil {
		s.canceler.CancelPendingByDedupKey(DedupKey(id))
	}

	return task, nil
}

// Resume resumes a paused task. Recurring tasks continue from now on, past runs
// are not replayed. A once task whose timestamp already passed needs a new schedule.
func (s *Service) Resume(ctx context.Context, id string) (*model.ScheduledTask, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusPaused {
		return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, model.ErrNotValid)
	}

	next, err := NextRun(task.Schedule, s.clock.Now().UTC(), s.loc)
	if err != nil {
		return nil, fmt.Errorf("could not resume task: %w", err)
	}

	task.Status = model.TaskStatusActive
	task.NextRunAt = &next
	if err := s.repo.UpdateTask(ctx, *task); err != nil {
		return nil, fmt.Errorf("could not update task: %w", err)
	}

	return task, nil
}

// Cancel deletes a task and drops its queued jobs.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return err
	}
	if s.canceler != nil {
		s.canceler.CancelByDedupKey(DedupKey(id))
	}

	s.logger.WithValues(log.Kv{"task-id": id}).Infof("Task cancelled")
	return nil
}
