package storage

import (
	"context"
	"time"

	"github.com/slok/codeclaw/internal/model"
)

//go:generate mockery --case underscore --output storagemock --outpkg storagemock --name Repository

// TaskRepository is the persistence of scheduled tasks and their run history.
type TaskRepository interface {
	CreateTask(ctx context.Context, t model.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)
	// ListTasks lists the tasks of a thread, all of them if threadID is empty.
	ListTasks(ctx context.Context, threadID string) ([]model.ScheduledTask, error)
	// ListDueTasks lists active tasks with a next run at or before now, oldest first.
	ListDueTasks(ctx context.Context, now time.Time) ([]model.ScheduledTask, error)
	UpdateTask(ctx context.Context, t model.ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	AddTaskRun(ctx context.Context, r model.TaskRun) error
	// ListTaskRuns returns the latest runs of a task, newest first.
	ListTaskRuns(ctx context.Context, taskID string, limit int) ([]model.TaskRun, error)
}

// SessionRepository is the persistence of the per thread session state.
type SessionRepository interface {
	GetSession(ctx context.Context, threadID string) (*model.SessionState, error)
	SaveSession(ctx context.Context, s model.SessionState) error
}

// MessageRepository is the persistence of inbound messages.
type MessageRepository interface {
	AddMessage(ctx context.Context, m model.Message) error
	// ListMessagesAfter returns the thread messages stored after the cursor message in
	// insertion order. An empty cursor returns every message.
	ListMessagesAfter(ctx context.Context, threadID, cursor string) ([]model.Message, error)
	// ListMessageThreads returns the threads that have at least one message.
	ListMessageThreads(ctx context.Context) ([]string, error)
}

// EventRepository is the persistence of processed inbound delivery identities.
type EventRepository interface {
	// MarkEventProcessed returns model.ErrAlreadyExists if the delivery was already processed.
	MarkEventProcessed(ctx context.Context, deliveryID string, at time.Time) error
	// CleanupProcessedEvents removes the deliveries processed before the time.
	CleanupProcessedEvents(ctx context.Context, before time.Time) (int, error)
}

// JobRunRepository is the persistence of finished jobs.
type JobRunRepository interface {
	AddJobRun(ctx context.Context, r model.JobRun) error
	// ListJobRuns returns the latest job runs of a thread (all if empty), newest first.
	ListJobRuns(ctx context.Context, threadID string, limit int) ([]model.JobRun, error)
}

// Repository is the full codeclaw persistence.
type Repository interface {
	TaskRepository
	SessionRepository
	MessageRepository
	EventRepository
	JobRunRepository
}
