package model

import (
	"fmt"
	"time"
)

// PermissionLevel is the repository permission of an actor.
type PermissionLevel string

const (
	PermissionNone     PermissionLevel = "none"
	PermissionRead     PermissionLevel = "read"
	PermissionTriage   PermissionLevel = "triage"
	PermissionWrite    PermissionLevel = "write"
	PermissionMaintain PermissionLevel = "maintain"
	PermissionAdmin    PermissionLevel = "admin"
)

var permissionRanks = map[PermissionLevel]int{
	PermissionNone:     0,
	PermissionRead:     1,
	PermissionTriage:   2,
	PermissionWrite:    3,
	PermissionMaintain: 4,
	PermissionAdmin:    5,
}

// Rank returns the numeric rank of the level, unknown levels rank as none.
func (p PermissionLevel) Rank() int { return permissionRanks[p] }

// AtLeast returns true if the level is equal or higher than min.
func (p PermissionLevel) AtLeast(min PermissionLevel) bool { return p.Rank() >= min.Rank() }

// Event is a normalized inbound event.
type Event struct {
	Kind string `json:"kind"`
	// ThreadRef is the external conversation reference, normalized into a thread ID by the gate.
	ThreadRef  string          `json:"threadRef"`
	Actor      string          `json:"actor"`
	Permission PermissionLevel `json:"permission"`
	// External marks actors outside the repository organization.
	External   bool      `json:"external,omitempty"`
	Payload    string    `json:"payload"`
	DeliveryID string    `json:"deliveryId"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Validate validates the event.
func (e Event) Validate() error {
	if e.DeliveryID == "" {
		return fmt.Errorf("delivery id is required: %w", ErrNotValid)
	}
	if e.ThreadRef == "" {
		return fmt.Errorf("thread ref is required: %w", ErrNotValid)
	}
	if e.Actor == "" {
		return fmt.Errorf("actor is required: %w", ErrNotValid)
	}
	return nil
}

// DecisionKind is the result kind of an admission.
type DecisionKind string

const (
	DecisionAccepted  DecisionKind = "accepted"
	DecisionDuplicate DecisionKind = "duplicate"
	DecisionRejected  DecisionKind = "rejected"
)

// Decision is the access gate answer for an event.
type Decision struct {
	Kind     DecisionKind
	ThreadID string
	Reason   string
}
