package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	tasks     map[string]model.ScheduledTask
	taskRuns  map[string][]model.TaskRun
	sessions  map[string]model.SessionState
	messages  map[string][]model.Message
	messageID map[string]struct{}
	events    map[string]time.Time
	jobRuns   []model.JobRun
	mu        sync.RWMutex
	logger    log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:     make(map[string]model.ScheduledTask),
		taskRuns:  make(map[string][]model.TaskRun),
		sessions:  make(map[string]model.SessionState),
		messages:  make(map[string][]model.Message),
		messageID: make(map[string]struct{}),
		events:    make(map[string]time.Time),
		logger:    cfg.Logger,
	}, nil
}

// CreateTask creates a new scheduled task.
func (r *Repository) CreateTask(ctx context.Context, t model.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrAlreadyExists)
	}
	r.tasks[t.ID] = copyTask(t)

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	t = copyTask(t)
	return &t, nil
}

// ListTasks lists the tasks of a thread, or all of them.
func (r *Repository) ListTasks(ctx context.Context, threadID string) ([]model.ScheduledTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := []model.ScheduledTask{}
	for _, t := range r.tasks {
		if threadID == "" || t.ThreadID == threadID {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// ListDueTasks lists the active tasks due at now.
func (r *Repository) ListDueTasks(ctx context.Context, now time.Time) ([]model.ScheduledTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := []model.ScheduledTask{}
	for _, t := range r.tasks {
		if t.Status == model.TaskStatusActive && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].NextRunAt.Before(*tasks[j].NextRunAt) })

	return tasks, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}
	r.tasks[t.ID] = copyTask(t)

	r.logger.Debugf("Updated task in repository: %s", t.ID)
	return nil
}

// DeleteTask deletes a task and its run history.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	delete(r.tasks, id)
	delete(r.taskRuns, id)

	r.logger.Debugf("Deleted task from repository: %s", id)
	return nil
}

// AddTaskRun appends a run to the task history.
func (r *Repository) AddTaskRun(ctx context.Context, run model.TaskRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[run.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", run.TaskID, model.ErrNotFound)
	}
	r.taskRuns[run.TaskID] = append(r.taskRuns[run.TaskID], run)
	return nil
}

// ListTaskRuns returns the latest runs of a task.
func (r *Repository) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.taskRuns[taskID]
	runs := make([]model.TaskRun, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		runs = append(runs, all[i])
	}
	return runs, nil
}

// GetSession returns the session state of a thread.
func (r *Repository) GetSession(ctx context.Context, threadID string) (*model.SessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[threadID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", threadID, model.ErrNotFound)
	}
	return &s, nil
}

// SaveSession creates or replaces the session state of a thread.
func (r *Repository) SaveSession(ctx context.Context, s model.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ThreadID] = s
	return nil
}

// AddMessage stores an inbound message.
func (r *Repository) AddMessage(ctx context.Context, m model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messageID[m.ID]; ok {
		return fmt.Errorf("message %s: %w", m.ID, model.ErrAlreadyExists)
	}
	r.messageID[m.ID] = struct{}{}
	r.messages[m.ThreadID] = append(r.messages[m.ThreadID], m)
	return nil
}

// ListMessagesAfter returns the messages stored after the cursor.
func (r *Repository) ListMessagesAfter(ctx context.Context, threadID, cursor string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[threadID]
	start := 0
	if cursor != "" {
		for i, m := range all {
			if m.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	msgs := make([]model.Message, len(all)-start)
	copy(msgs, all[start:])
	return msgs, nil
}

// ListMessageThreads returns the threads with messages.
func (r *Repository) ListMessageThreads(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	threads := make([]string, 0, len(r.messages))
	for id := range r.messages {
		threads = append(threads, id)
	}
	sort.Strings(threads)
	return threads, nil
}

// MarkEventProcessed records a processed delivery.
func (r *Repository) MarkEventProcessed(ctx context.Context, deliveryID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[deliveryID]; ok {
		return fmt.Errorf("delivery %s: %w", deliveryID, model.ErrAlreadyExists)
	}
	r.events[deliveryID] = at
	return nil
}

// CleanupProcessedEvents removes the deliveries processed before the time.
func (r *Repository) CleanupProcessedEvents(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, at := range r.events {
		if at.Before(before) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

// AddJobRun stores a finished job.
func (r *Repository) AddJobRun(ctx context.Context, run model.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobRuns = append(r.jobRuns, run)
	return nil
}

// ListJobRuns returns the latest job runs.
func (r *Repository) ListJobRuns(ctx context.Context, threadID string, limit int) ([]model.JobRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := []model.JobRun{}
	for i := len(r.jobRuns) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		if threadID == "" || r.jobRuns[i].ThreadID == threadID {
			runs = append(runs, r.jobRuns[i])
		}
	}
	return runs, nil
}

func copyTask(t model.ScheduledTask) model.ScheduledTask {
	if t.NextRunAt != nil {
		n := *t.NextRunAt
		t.NextRunAt = &n
	}
	if t.LastRunAt != nil {
		l := *t.LastRunAt
		t.LastRunAt = &l
	}
	return t
}
