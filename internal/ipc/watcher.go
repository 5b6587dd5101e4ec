package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/metrics"
	"github.com/slok/codeclaw/internal/model"
)

// WatcherConfig is the configuration of a container Watcher.
type WatcherConfig struct {
	Mailbox  Mailbox
	Handler  Handler
	ThreadID string
	IsMain   bool
	// OnActivity is called on every record received or result sent, used to
	// reset the container idle timer.
	OnActivity      func()
	ResultCacheSize int
	Metrics         metrics.Recorder
	Logger          log.Logger
}

func (c *WatcherConfig) defaults() error {
	if c.Mailbox == nil {
		return fmt.Errorf("mailbox is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	if err := model.ValidateThreadID(c.ThreadID); err != nil {
		return fmt.Errorf("thread id: %w", err)
	}
	if c.OnActivity == nil {
		c.OnActivity = func() {}
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = 256
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ipc.Watcher", "thread-id": c.ThreadID})
	return nil
}

// Watcher serves the IPC records of a single container lifetime. Tool calls are
// executed concurrently and each one gets exactly one result, retransmitted calls
// with the same correlation ID are answered without executing the tool again.
type Watcher struct {
	mailbox    Mailbox
	handler    Handler
	threadID   string
	isMain     bool
	onActivity func()
	results    *lru.Cache[string, model.IPCMessage]
	metrics    metrics.Recorder
	logger     log.Logger

	mu        sync.Mutex
	inflight  map[string]int
	chat      []model.ChatMessage
	abandoned bool

	wg         sync.WaitGroup
	closing    chan struct{}
	closeOnce  sync.Once
	callCancel context.CancelFunc
}

// NewWatcher returns a new watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	results, err := lru.New[string, model.IPCMessage](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create result cache: %w", err)
	}

	return &Watcher{
		mailbox:    cfg.Mailbox,
		handler:    cfg.Handler,
		threadID:   cfg.ThreadID,
		isMain:     cfg.IsMain,
		onActivity: cfg.OnActivity,
		results:    results,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		inflight:   map[string]int{},
		closing:    make(chan struct{}),
		callCancel: func() {},
	}, nil
}

// Start starts receiving records in the background until Close is called or
// the context is cancelled. Tool calls use a context derived from ctx.
func (w *Watcher) Start(ctx context.Context) {
	callCtx, callCancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.callCancel = callCancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.receiveLoop(ctx, callCtx)
	}()
}

func (w *Watcher) receiveLoop(ctx, callCtx context.Context) {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.closing:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		msg, err := w.mailbox.Receive(recvCtx)
		if err != nil {
			switch {
			case errors.Is(err, ErrMailboxClosed):
				return
			case recvCtx.Err() != nil:
				// Stopped by Close, the records written before the container exited are still served.
				if ctx.Err() == nil {
					w.drain(recvCtx, callCtx)
				}
				return
			case errors.Is(err, model.ErrIPCProtocol):
				w.logger.Warningf("Dropped malformed IPC record: %s", err)
				continue
			default:
				w.logger.Errorf("Could not receive IPC record, stopping watcher: %s", err)
				return
			}
		}

		w.onActivity()
		w.handle(callCtx, msg)
	}
}

// drain handles the records already in the mailbox, doneCtx is cancelled so
// Receive returns as soon as there is nothing left.
func (w *Watcher) drain(doneCtx, callCtx context.Context) {
	for {
		msg, err := w.mailbox.Receive(doneCtx)
		if err != nil {
			if errors.Is(err, model.ErrIPCProtocol) {
				w.logger.Warningf("Dropped malformed IPC record: %s", err)
				continue
			}
			return
		}

		w.onActivity()
		w.handle(callCtx, msg)
	}
}

func (w *Watcher) handle(ctx context.Context, msg model.IPCMessage) {
	err := msg.Validate()
	if err == nil && msg.Direction != model.IPCDirectionToHost {
		err = fmt.Errorf("unexpected direction %q: %w", msg.Direction, model.ErrIPCProtocol)
	}
	if err == nil && msg.ThreadID != w.threadID {
		err = fmt.Errorf("record for thread %q received on thread %q mailbox: %w", msg.ThreadID, w.threadID, model.ErrIPCProtocol)
	}
	if err == nil && msg.Type == model.IPCMessageTypeToolCall {
		err = ValidateCorrelationID(msg.CorrelationID)
	}
	if err != nil {
		w.metrics.IncIPCCall(msg.Tool, model.IPCErrorCodeProtocol)
		w.logger.Warningf("IPC protocol violation: %s", err)
		// Only tool calls with a usable correlation ID can be answered.
		if msg.Type == model.IPCMessageTypeToolCall && ValidateCorrelationID(msg.CorrelationID) == nil {
			w.send(ctx, NewToolResult(w.threadID, msg.CorrelationID, nil, err))
		}
		return
	}

	switch msg.Type {
	case model.IPCMessageTypeChatMessage:
		w.mu.Lock()
		w.chat = append(w.chat, model.ChatMessage{ThreadID: w.threadID, Text: msg.Text})
		w.mu.Unlock()
	case model.IPCMessageTypeToolCall:
		w.dispatch(ctx, msg)
	}
}

func (w *Watcher) dispatch(ctx context.Context, msg model.IPCMessage) {
	id := msg.CorrelationID
	logger := w.logger.WithValues(log.Kv{"correlation-id": id, "tool": msg.Tool})

	w.mu.Lock()
	if res, ok := w.results.Get(id); ok {
		w.mu.Unlock()
		logger.Debugf("Duplicated tool call answered from cache")
		w.metrics.IncIPCCall(msg.Tool, "cached")
		w.send(ctx, res)
		return
	}
	if _, ok := w.inflight[id]; ok {
		w.inflight[id]++
		w.mu.Unlock()
		logger.Debugf("Duplicated tool call still in flight")
		return
	}
	w.inflight[id] = 1
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		result, err := w.handler.Handle(ctx, Call{
			CorrelationID: id,
			ThreadID:      w.threadID,
			IsMain:        w.isMain,
			Tool:          msg.Tool,
			Args:          msg.Args,
		})
		res := NewToolResult(w.threadID, id, result, err)
		if err != nil {
			logger.Warningf("Tool call failed: %s", err)
			w.metrics.IncIPCCall(msg.Tool, res.Error.Code)
		} else {
			w.metrics.IncIPCCall(msg.Tool, "ok")
		}

		w.mu.Lock()
		n := w.inflight[id]
		delete(w.inflight, id)
		w.results.Add(id, res)
		abandoned := w.abandoned
		w.mu.Unlock()

		if abandoned {
			return
		}
		for range n {
			w.send(ctx, res)
		}
	}()
}

func (w *Watcher) send(ctx context.Context, msg model.IPCMessage) {
	if err := w.mailbox.Send(ctx, msg); err != nil {
		w.logger.WithValues(log.Kv{"correlation-id": msg.CorrelationID}).Errorf("Could not send tool result: %s", err)
		return
	}
	w.onActivity()
}

// ChatMessages returns the chat records received so far, in order.
func (w *Watcher) ChatMessages() []model.ChatMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.ChatMessage{}, w.chat...)
}

// Close stops receiving once the records already written are handled, then waits
// for the in-flight tool calls until ctx is done,
// the calls still running at that point are abandoned and their results dropped.
// It returns the number of abandoned calls.
func (w *Watcher) Close(ctx context.Context) (int, error) {
	w.closeOnce.Do(func() { close(w.closing) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	w.mu.Lock()
	cancel := w.callCancel
	w.mu.Unlock()
	defer cancel()

	select {
	case <-done:
		return 0, nil
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.abandoned = true
	abandoned := len(w.inflight)
	w.mu.Unlock()

	w.logger.Warningf("%d in-flight tool calls abandoned", abandoned)
	return abandoned, nil
}
