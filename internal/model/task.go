package model

import (
	"fmt"
	"strings"
	"time"
)

// ScheduleKind is the tag of a schedule variant.
type ScheduleKind string

const (
	// ScheduleKindCron is a 5 field cron expression evaluated in the configured timezone.
	ScheduleKindCron ScheduleKind = "cron"
	// ScheduleKindInterval is a fixed interval in milliseconds.
	ScheduleKindInterval ScheduleKind = "interval"
	// ScheduleKindOnce is a single RFC3339 timestamp.
	ScheduleKindOnce ScheduleKind = "once"
)

// Schedule is the tagged schedule variant of a task. The value meaning depends on the kind.
type Schedule struct {
	Kind  ScheduleKind
	Value string
}

func (s Schedule) String() string { return string(s.Kind) + "(" + s.Value + ")" }

// Validate only checks the shape, the kind specific parsing is done by the scheduler.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleKindCron, ScheduleKindInterval, ScheduleKindOnce:
	default:
		return fmt.Errorf("unknown schedule kind %q: %w", s.Kind, ErrNotValid)
	}
	if strings.TrimSpace(s.Value) == "" {
		return fmt.Errorf("schedule value is required: %w", ErrNotValid)
	}
	return nil
}

// ContextMode decides if a scheduled run resumes the thread session or starts fresh.
type ContextMode string

const (
	ContextModeGroup    ContextMode = "group"
	ContextModeIsolated ContextMode = "isolated"
)

// TaskStatus represents the state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// ScheduledTask is a time based trigger that feeds the queue.
type ScheduledTask struct {
	ID          string
	ThreadID    string
	Schedule    Schedule
	Prompt      string
	ContextMode ContextMode
	// NextRunAt is nil when the task will not run again (e.g. a once task already dispatched).
	NextRunAt  *time.Time
	Status     TaskStatus
	LastRunAt  *time.Time
	LastResult string
	CreatedAt  time.Time
}

// Paused returns true if the task is paused.
func (t ScheduledTask) Paused() bool { return t.Status == TaskStatusPaused }

// Validate validates the task.
func (t ScheduledTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if err := ValidateThreadID(t.ThreadID); err != nil {
		return err
	}
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("prompt is required: %w", ErrNotValid)
	}
	switch t.ContextMode {
	case ContextModeGroup, ContextModeIsolated:
	default:
		return fmt.Errorf("unknown context mode %q: %w", t.ContextMode, ErrNotValid)
	}
	switch t.Status {
	case TaskStatusActive, TaskStatusPaused, TaskStatusCompleted:
	default:
		return fmt.Errorf("unknown task status %q: %w", t.Status, ErrNotValid)
	}
	return nil
}

// TaskRunStatus is the result of a single scheduled run.
type TaskRunStatus string

const (
	TaskRunStatusSuccess TaskRunStatus = "success"
	TaskRunStatusError   TaskRunStatus = "error"
)

// TaskRun is one entry of a task run history.
type TaskRun struct {
	TaskID   string
	RunAt    time.Time
	Duration time.Duration
	Status   TaskRunStatus
	Result   string
	Error    string
}
