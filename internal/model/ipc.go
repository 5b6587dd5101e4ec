package model

import (
	"encoding/json"
	"fmt"
)

// IPCDirection is the direction of an IPC message.
type IPCDirection string

const (
	IPCDirectionToHost      IPCDirection = "toHost"
	IPCDirectionToContainer IPCDirection = "toContainer"
)

// IPCMessageType is the type of an IPC message.
type IPCMessageType string

const (
	IPCMessageTypeToolCall    IPCMessageType = "toolCall"
	IPCMessageTypeToolResult  IPCMessageType = "toolResult"
	IPCMessageTypeChatMessage IPCMessageType = "chatMessage"
)

// IPCMessage is a record exchanged through a container mailbox.
// CorrelationID pairs one toolCall with its toolResult within a container lifetime.
type IPCMessage struct {
	Direction     IPCDirection    `json:"direction"`
	Type          IPCMessageType  `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ThreadID      string          `json:"threadId"`
	Tool          string          `json:"tool,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *IPCError       `json:"error,omitempty"`

	// Text is the content of chatMessage records.
	Text string `json:"text,omitempty"`
}

// IPCError is the structured error returned to a sandbox.
type IPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e IPCError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// IPC error codes.
const (
	IPCErrorCodeProtocol         = "protocol_error"
	IPCErrorCodePermissionDenied = "permission_denied"
	IPCErrorCodeNotFound         = "not_found"
	IPCErrorCodeInvalid          = "invalid_argument"
	IPCErrorCodeInternal         = "internal"
)

// Validate checks the request shape of a message sent by a container.
func (m IPCMessage) Validate() error {
	if m.ThreadID == "" {
		return fmt.Errorf("thread id is required: %w", ErrIPCProtocol)
	}
	switch m.Type {
	case IPCMessageTypeToolCall:
		if m.CorrelationID == "" {
			return fmt.Errorf("tool call without correlation id: %w", ErrIPCProtocol)
		}
		if m.Tool == "" {
			return fmt.Errorf("tool call without tool name: %w", ErrIPCProtocol)
		}
	case IPCMessageTypeChatMessage:
		if m.Text == "" {
			return fmt.Errorf("empty chat message: %w", ErrIPCProtocol)
		}
	default:
		return fmt.Errorf("unexpected message type %q from container: %w", m.Type, ErrIPCProtocol)
	}
	return nil
}
