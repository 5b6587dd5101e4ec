package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource or configuration is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrMountRejected is returned when a requested mount is not allowed. Fatal, never retried.
	ErrMountRejected = errors.New("mount rejected")
	// ErrDuplicateEvent is returned when an inbound delivery has already been processed.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrDuplicateJob is returned when a job with the same dedup key is already queued.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrPermissionDenied is returned when the requester lacks the privilege for an action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSpawnFailure is returned when a sandbox could not be spawned. Retryable.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrIdleTimeout is returned when a sandbox was stopped due to inactivity.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrHardTimeout is returned when a sandbox reached its absolute time ceiling.
	ErrHardTimeout = errors.New("hard timeout")
	// ErrIPCProtocol is returned when a sandbox sends a malformed or unknown IPC request.
	ErrIPCProtocol = errors.New("ipc protocol error")
	// ErrStore is returned when the persistence layer fails.
	ErrStore = errors.New("store error")
	// ErrShuttingDown is returned when work is submitted to a component that is stopping.
	ErrShuttingDown = errors.New("shutting down")
)
