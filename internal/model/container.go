package model

import (
	"fmt"
	"time"
)

// ContainerStatus is the lifecycle state of a sandboxed container.
type ContainerStatus string

const (
	ContainerStatusPending   ContainerStatus = "pending"
	ContainerStatusSpawning  ContainerStatus = "spawning"
	ContainerStatusRunning   ContainerStatus = "running"
	ContainerStatusCompleted ContainerStatus = "completed"
	ContainerStatusTimedOut  ContainerStatus = "timed_out"
	ContainerStatusFailed    ContainerStatus = "failed"
	ContainerStatusKilled    ContainerStatus = "killed"
)

// IsTerminal returns true if this status is a terminal state.
func (s ContainerStatus) IsTerminal() bool {
	switch s {
	case ContainerStatusCompleted, ContainerStatusTimedOut, ContainerStatusFailed, ContainerStatusKilled:
		return true
	}
	return false
}

// JobStatus maps a terminal container status to the job status it produces.
func (s ContainerStatus) JobStatus() JobStatus {
	switch s {
	case ContainerStatusCompleted:
		return JobStatusCompleted
	case ContainerStatusTimedOut:
		return JobStatusTimedOut
	case ContainerStatusKilled:
		return JobStatusKilled
	default:
		return JobStatusFailed
	}
}

var containerTransitions = map[ContainerStatus][]ContainerStatus{
	ContainerStatusPending:  {ContainerStatusSpawning, ContainerStatusFailed, ContainerStatusKilled},
	ContainerStatusSpawning: {ContainerStatusRunning, ContainerStatusFailed, ContainerStatusKilled},
	ContainerStatusRunning:  {ContainerStatusCompleted, ContainerStatusTimedOut, ContainerStatusFailed, ContainerStatusKilled},
}

// ContainerHandle tracks one sandboxed container. It is owned by a single
// runner for its whole lifetime, so transitions are not synchronized.
type ContainerHandle struct {
	ID           string
	ThreadID     string
	Mounts       []Mount
	StartedAt    time.Time
	IdleDeadline time.Time
	HardDeadline time.Time
	Status       ContainerStatus
}

// Transition moves the handle to the next status, failing if the transition is not allowed.
func (h *ContainerHandle) Transition(to ContainerStatus) error {
	for _, allowed := range containerTransitions[h.Status] {
		if allowed == to {
			h.Status = to
			return nil
		}
	}
	return fmt.Errorf("container %s can't transition from %s to %s: %w", h.ID, h.Status, to, ErrNotValid)
}
