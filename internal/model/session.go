package model

import "time"

// SessionState is the continuity bookkeeping of a thread.
type SessionState struct {
	ThreadID  string
	SessionID string
	// LastAnchorMessageID is the last transcript message produced by a completed run,
	// the next run resumes from it explicitly.
	LastAnchorMessageID string
	// LastProcessedCursor is the ID of the last inbound message consumed by a completed run.
	LastProcessedCursor string
	UpdatedAt           time.Time
}
