package memory

import (
	"context"
	"sync"

	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/model"
)

// Mailbox is an in-memory ipc.Mailbox. The host side uses Receive and Send, the
// container side uses Request and Responses.
type Mailbox struct {
	requests  chan model.IPCMessage
	responses chan model.IPCMessage
	closed    chan struct{}
	closeOnce sync.Once
}

var _ ipc.Mailbox = &Mailbox{}

// NewMailbox returns a new in-memory mailbox with buffered queues of size buffer.
func NewMailbox(buffer int) *Mailbox {
	if buffer <= 0 {
		buffer = 64
	}

	return &Mailbox{
		requests:  make(chan model.IPCMessage, buffer),
		responses: make(chan model.IPCMessage, buffer),
		closed:    make(chan struct{}),
	}
}

// Receive satisfies ipc.Mailbox.
func (m *Mailbox) Receive(ctx context.Context) (model.IPCMessage, error) {
	select {
	case msg := <-m.requests:
		return msg, nil
	default:
	}

	select {
	case msg := <-m.requests:
		return msg, nil
	case <-m.closed:
		return model.IPCMessage{}, ipc.ErrMailboxClosed
	case <-ctx.Done():
		return model.IPCMessage{}, ctx.Err()
	}
}

// Send satisfies ipc.Mailbox.
func (m *Mailbox) Send(ctx context.Context, msg model.IPCMessage) error {
	select {
	case <-m.closed:
		return ipc.ErrMailboxClosed
	default:
	}

	select {
	case m.responses <- msg:
		return nil
	case <-m.closed:
		return ipc.ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close satisfies ipc.Mailbox.
func (m *Mailbox) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Request writes a record as the container would.
func (m *Mailbox) Request(ctx context.Context, msg model.IPCMessage) error {
	select {
	case m.requests <- msg:
		return nil
	case <-m.closed:
		return ipc.ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses returns the results sent to the container.
func (m *Mailbox) Responses() <-chan model.IPCMessage {
	return m.responses
}
