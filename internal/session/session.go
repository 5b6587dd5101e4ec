// Package session keeps the per thread continuity bookkeeping: the anchor a resumed
// run continues from and the cursor of the last consumed inbound message.
//
// Both only move forward after a completed run. Any other outcome leaves them as they
// were so the same input is retried on the next run.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// Resume is what a run needs to continue a thread explicitly.
type Resume struct {
	SessionID string
	// Anchor is the last message produced by the previous completed run.
	Anchor string
	// Cursor is the last inbound message consumed by the previous completed run.
	Cursor string
}

// Outcome is the continuity data produced by a completed run.
type Outcome struct {
	SessionID string
	// LastMessageID is the last transcript message produced by the run, empty if none.
	LastMessageID string
	// ConsumedCursor is the last inbound message given to the run, empty if none (e.g. scheduled runs).
	ConsumedCursor string
}

// ManagerConfig is the configuration of the Manager.
type ManagerConfig struct {
	SessionRepository storage.SessionRepository
	MessageRepository storage.MessageRepository
	Clock             clockwork.Clock
	Logger            log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.SessionRepository == nil {
		return fmt.Errorf("session repository is required")
	}
	if c.MessageRepository == nil {
		return fmt.Errorf("message repository is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Manager"})
	return nil
}

// Manager manages the session continuity of the threads. The queue guarantees a
// single run per thread, so updates of the same thread are never concurrent.
type Manager struct {
	sessions storage.SessionRepository
	messages storage.MessageRepository
	clock    clockwork.Clock
	logger   log.Logger
}

// NewManager returns a new session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		sessions: cfg.SessionRepository,
		messages: cfg.MessageRepository,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Begin returns the stored resume point of a thread, empty for threads that never completed a run.
func (m *Manager) Begin(ctx context.Context, threadID string) (Resume, error) {
	s, err := m.get(ctx, threadID)
	if err != nil {
		return Resume{}, err
	}

	return Resume{
		SessionID: s.SessionID,
		Anchor:    s.LastAnchorMessageID,
		Cursor:    s.LastProcessedCursor,
	}, nil
}

// PendingMessages returns the inbound messages of the thread not consumed by a completed run yet.
func (m *Manager) PendingMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	s, err := m.get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	msgs, err := m.messages.ListMessagesAfter(ctx, threadID, s.LastProcessedCursor)
	if err != nil {
		return nil, fmt.Errorf("could not list pending messages: %w", err)
	}

	return msgs, nil
}

// Complete stores the continuity data of a completed run. Empty outcome fields keep
// the stored values, except the anchor that belongs to the session and is dropped
// when the session changes.
func (m *Manager) Complete(ctx context.Context, threadID string, o Outcome) error {
	s, err := m.get(ctx, threadID)
	if err != nil {
		return err
	}

	if o.SessionID != "" && o.SessionID != s.SessionID {
		s.SessionID = o.SessionID
		s.LastAnchorMessageID = ""
	}
	if o.LastMessageID != "" {
		s.LastAnchorMessageID = o.LastMessageID
	}
	if o.ConsumedCursor != "" {
		s.LastProcessedCursor = o.ConsumedCursor
	}
	s.UpdatedAt = m.clock.Now().UTC()

	if err := m.sessions.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("could not save session: %w", err)
	}

	m.logger.WithValues(log.Kv{"thread-id": threadID}).Debugf("Session advanced (anchor: %q, cursor: %q)", s.LastAnchorMessageID, s.LastProcessedCursor)
	return nil
}

// Abort is called for runs that did not complete, nothing is stored so the thread
// resumes from the previous point and retries the same input.
func (m *Manager) Abort(ctx context.Context, threadID string, status model.JobStatus) {
	m.logger.WithValues(log.Kv{"thread-id": threadID}).Infof("Run ended as %s, session and cursor preserved", status)
}

func (m *Manager) get(ctx context.Context, threadID string) (model.SessionState, error) {
	s, err := m.sessions.GetSession(ctx, threadID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.SessionState{ThreadID: threadID}, nil
		}
		return model.SessionState{}, fmt.Errorf("could not get session: %w", err)
	}
	return *s, nil
}
