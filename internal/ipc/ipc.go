package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/slok/codeclaw/internal/model"
)

// ErrMailboxClosed is returned by the mailboxes once closed.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is the transport between the host and one container. Receive returns the
// records written by the container, Send delivers tool results back to it.
// Receive is not safe to be called concurrently. Records already available are
// returned even when ctx is done, the context error is only returned once there
// is nothing left to read.
type Mailbox interface {
	Receive(ctx context.Context) (model.IPCMessage, error)
	Send(ctx context.Context, msg model.IPCMessage) error
	Close() error
}

// Call is a tool call made by a container, the caller identity comes from the
// container the mailbox belongs to, never from the message itself.
type Call struct {
	CorrelationID string
	ThreadID      string
	IsMain        bool
	Tool          string
	Args          json.RawMessage
}

// Handler executes tool calls.
type Handler interface {
	Handle(ctx context.Context, call Call) (json.RawMessage, error)
}

// HandlerFunc is a helper to use functions as Handlers.
type HandlerFunc func(ctx context.Context, call Call) (json.RawMessage, error)

// Handle satisfies Handler.
func (f HandlerFunc) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

var correlationIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateCorrelationID checks the correlation ID is safe to be used as a file name.
func ValidateCorrelationID(id string) error {
	if !correlationIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid correlation id %q: %w", id, model.ErrIPCProtocol)
	}
	return nil
}

// ToIPCError converts an error into the structured error returned to the container.
func ToIPCError(err error) *model.IPCError {
	var ipcErr *model.IPCError
	if errors.As(err, &ipcErr) {
		return ipcErr
	}

	code := model.IPCErrorCodeInternal
	switch {
	case errors.Is(err, model.ErrIPCProtocol):
		code = model.IPCErrorCodeProtocol
	case errors.Is(err, model.ErrPermissionDenied):
		code = model.IPCErrorCodePermissionDenied
	case errors.Is(err, model.ErrNotFound):
		code = model.IPCErrorCodeNotFound
	case errors.Is(err, model.ErrNotValid):
		code = model.IPCErrorCodeInvalid
	}

	return &model.IPCError{Code: code, Message: err.Error()}
}

// NewToolResult returns the result record of a tool call.
func NewToolResult(threadID, correlationID string, result json.RawMessage, err error) model.IPCMessage {
	msg := model.IPCMessage{
		Direction:     model.IPCDirectionToContainer,
		Type:          model.IPCMessageTypeToolResult,
		CorrelationID: correlationID,
		ThreadID:      threadID,
	}
	if err != nil {
		msg.Error = ToIPCError(err)
		return msg
	}
	msg.Result = result
	return msg
}
