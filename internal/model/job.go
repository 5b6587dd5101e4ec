package model

import (
	"fmt"
	"time"
)

// JobKind is the origin of a job.
type JobKind string

const (
	// JobKindEvent is a job created from an inbound event.
	JobKindEvent JobKind = "event"
	// JobKindScheduled is a job synthesized by the task scheduler.
	JobKindScheduled JobKind = "scheduled"
)

// JobStatus is the terminal (or current) state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusTimedOut  JobStatus = "timed_out"
	JobStatusFailed    JobStatus = "failed"
	JobStatusKilled    JobStatus = "killed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is one unit of work bound for a sandbox run.
type Job struct {
	ID         string
	ThreadID   string
	Kind       JobKind
	Actor      string
	PayloadRef string
	EnqueuedAt time.Time

	// DedupKey, when set, makes the queue ignore another job with the same key
	// that is still pending for the same thread.
	DedupKey string

	// Scheduled jobs only.
	TaskID      string
	Prompt      string
	ContextMode ContextMode
}

// Validate validates the job.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if err := ValidateThreadID(j.ThreadID); err != nil {
		return err
	}
	switch j.Kind {
	case JobKindEvent:
	case JobKindScheduled:
		if j.TaskID == "" {
			return fmt.Errorf("task id is required on scheduled jobs: %w", ErrNotValid)
		}
	default:
		return fmt.Errorf("unknown job kind %q: %w", j.Kind, ErrNotValid)
	}
	return nil
}

// JobRun is the persisted record of a finished job.
type JobRun struct {
	JobID       string
	ThreadID    string
	Kind        JobKind
	ContainerID string
	Status      JobStatus
	Attempts    int
	Error       string
	LogRef      string
	StartedAt   time.Time
	FinishedAt  time.Time
}
