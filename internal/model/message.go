package model

import (
	"fmt"
	"time"
)

// Message is an inbound message stored for a thread, pending until a completed run consumes it.
type Message struct {
	ID        string
	ThreadID  string
	Sender    string
	Content   string
	Timestamp time.Time
}

// ChatMessage is a message produced by a run, to be posted by the outbound channel.
type ChatMessage struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
	Sender   string `json:"sender,omitempty"`
}

// ReviewEvent is the action of a review.
type ReviewEvent string

const (
	ReviewEventApprove        ReviewEvent = "APPROVE"
	ReviewEventRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewEventComment        ReviewEvent = "COMMENT"
)

// ReviewComment is an inline comment of a review.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// Review is a code review produced by a run.
type Review struct {
	ThreadID string          `json:"threadId"`
	Body     string          `json:"body"`
	Event    ReviewEvent     `json:"event"`
	PRNumber int             `json:"prNumber,omitempty"`
	Comments []ReviewComment `json:"comments,omitempty"`
}

// Validate validates the review.
func (r Review) Validate() error {
	if r.Body == "" {
		return fmt.Errorf("review body is required: %w", ErrNotValid)
	}
	switch r.Event {
	case ReviewEventApprove, ReviewEventRequestChanges, ReviewEventComment:
	default:
		return fmt.Errorf("unknown review event %q: %w", r.Event, ErrNotValid)
	}
	for _, c := range r.Comments {
		if c.Path == "" || c.Line <= 0 || c.Body == "" {
			return fmt.Errorf("review comments require path, line and body: %w", ErrNotValid)
		}
	}
	return nil
}
