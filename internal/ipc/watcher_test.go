package ipc_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/ipc/memory"
	"github.com/slok/codeclaw/internal/model"
)

func toolCall(threadID, id, tool string) model.IPCMessage {
	return model.IPCMessage{
		Direction:     model.IPCDirectionToHost,
		Type:          model.IPCMessageTypeToolCall,
		CorrelationID: id,
		ThreadID:      threadID,
		Tool:          tool,
		Args:          json.RawMessage(`{}`),
	}
}

func chatMessage(threadID, text string) model.IPCMessage {
	return model.IPCMessage{
		Direction: model.IPCDirectionToHost,
		Type:      model.IPCMessageTypeChatMessage,
		ThreadID:  threadID,
		Text:      text,
	}
}

func readResponses(t *testing.T, mb *memory.Mailbox, n int) []model.IPCMessage {
	t.Helper()
	res := []model.IPCMessage{}
	for range n {
		select {
		case msg := <-mb.Responses():
			res = append(res, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %d responses, got %d", n, len(res))
		}
	}
	return res
}

func TestWatcher(t *testing.T) {
	tests := map[string]struct {
		requests     []model.IPCMessage
		handler      func(calls *int32) ipc.Handler
		expResponses int
		expCalls     int32
		expResults   func(t *testing.T, res []model.IPCMessage)
		expChat      []model.ChatMessage
	}{
		"A tool call should get its result.": {
			requests: []model.IPCMessage{toolCall("family", "c1", "list_tasks")},
			handler: func(calls *int32) ipc.Handler {
				return ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
					atomic.AddInt32(calls, 1)
					return json.RawMessage(`{"ok":true}`), nil
				})
			},
			expResponses: 1,
			expCalls:     1,
			expResults: func(t *testing.T, res []model.IPCMessage) {
				assert.Equal(t, "c1", res[0].CorrelationID)
				assert.Equal(t, model.IPCMessageTypeToolResult, res[0].Type)
				assert.Equal(t, model.IPCDirectionToContainer, res[0].Direction)
				assert.JSONEq(t, `{"ok":true}`, string(res[0].Result))
				assert.Nil(t, res[0].Error)
			},
			expChat: []model.ChatMessage{},
		},

		"A retransmitted tool call should be answered without executing it again.": {
			requests: []model.IPCMessage{
				toolCall("family", "c1", "send_message"),
				toolCall("family", "c1", "send_message"),
			},
			handler: func(calls *int32) ipc.Handler {
				return ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
					atomic.AddInt32(calls, 1)
					return json.RawMessage(`{"sent":true}`), nil
				})
			},
			expResponses: 2,
			expCalls:     1,
			expResults: func(t *testing.T, res []model.IPCMessage) {
				assert.Equal(t, res[0], res[1])
			},
			expChat: []model.ChatMessage{},
		},

		"A handler error should be returned as a structured error.": {
			requests: []model.IPCMessage{toolCall("family", "c1", "cancel_task")},
			handler: func(calls *int32) ipc.Handler {
				return ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
					atomic.AddInt32(calls, 1)
					return nil, model.ErrPermissionDenied
				})
			},
			expResponses: 1,
			expCalls:     1,
			expResults: func(t *testing.T, res []model.IPCMessage) {
				require.NotNil(t, res[0].Error)
				assert.Equal(t, model.IPCErrorCodePermissionDenied, res[0].Error.Code)
			},
			expChat: []model.ChatMessage{},
		},

		"A tool call for another thread should be a protocol error without executing it.": {
			requests: []model.IPCMessage{toolCall("other", "c1", "list_tasks")},
			handler: func(calls *int32) ipc.Handler {
				return ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
					atomic.AddInt32(calls, 1)
					return nil, nil
				})
			},
			expResponses: 1,
			expCalls:     0,
			expResults: func(t *testing.T, res []model.IPCMessage) {
				require.NotNil(t, res[0].Error)
				assert.Equal(t, model.IPCErrorCodeProtocol, res[0].Error.Code)
			},
			expChat: []model.ChatMessage{},
		},

		"Chat messages should be collected in order.": {
			requests: []model.IPCMessage{
				chatMessage("family", "first"),
				toolCall("family", "c1", "list_tasks"),
				{Direction: model.IPCDirectionToHost, Type: "unknown", ThreadID: "family"},
				chatMessage("family", "second"),
			},
			handler: func(calls *int32) ipc.Handler {
				return ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
					atomic.AddInt32(calls, 1)
					return json.RawMessage(`{}`), nil
				})
			},
			expResponses: 1,
			expCalls:     1,
			expResults:   func(t *testing.T, res []model.IPCMessage) {},
			expChat: []model.ChatMessage{
				{ThreadID: "family", Text: "first"},
				{ThreadID: "family", Text: "second"},
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			assert := assert.New(t)

			var calls int32
			var activity int32
			mb := memory.NewMailbox(0)
			w, err := ipc.NewWatcher(ipc.WatcherConfig{
				Mailbox:    mb,
				Handler:    test.handler(&calls),
				ThreadID:   "family",
				OnActivity: func() { atomic.AddInt32(&activity, 1) },
			})
			require.NoError(err)

			w.Start(context.Background())
			for _, r := range test.requests {
				require.NoError(mb.Request(context.TODO(), r))
			}

			res := readResponses(t, mb, test.expResponses)
			require.Eventually(func() bool { return len(w.ChatMessages()) == len(test.expChat) }, 2*time.Second, 5*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			abandoned, err := w.Close(ctx)
			require.NoError(err)
			assert.Equal(0, abandoned)

			test.expResults(t, res)
			assert.Equal(test.expCalls, atomic.LoadInt32(&calls))
			assert.Equal(test.expChat, w.ChatMessages())
			assert.GreaterOrEqual(atomic.LoadInt32(&activity), int32(len(test.requests)))
		})
	}
}

func TestWatcherCloseAbandonsInflightCalls(t *testing.T) {
	require := require.New(t)

	started := make(chan struct{})
	mb := memory.NewMailbox(0)
	w, err := ipc.NewWatcher(ipc.WatcherConfig{
		Mailbox:  mb,
		ThreadID: "family",
		Handler: ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	require.NoError(err)

	w.Start(context.Background())
	require.NoError(mb.Request(context.TODO(), toolCall("family", "c1", "list_tasks")))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	abandoned, err := w.Close(ctx)
	require.NoError(err)
	require.Equal(1, abandoned)

	// Abandoned calls don't get a result.
	select {
	case msg := <-mb.Responses():
		t.Fatalf("unexpected response: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherCloseHandlesQueuedRecords(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	mb := memory.NewMailbox(0)
	w, err := ipc.NewWatcher(ipc.WatcherConfig{
		Mailbox:  mb,
		ThreadID: "family",
		Handler: ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
	})
	require.NoError(err)

	// Records queued by a container that exits right away.
	require.NoError(mb.Request(context.TODO(), chatMessage("family", "first")))
	require.NoError(mb.Request(context.TODO(), toolCall("family", "c1", "list_tasks")))
	require.NoError(mb.Request(context.TODO(), chatMessage("family", "last")))
	w.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	abandoned, err := w.Close(ctx)
	require.NoError(err)
	assert.Zero(abandoned)

	assert.Equal([]model.ChatMessage{{ThreadID: "family", Text: "first"}, {ThreadID: "family", Text: "last"}}, w.ChatMessages())
	res := readResponses(t, mb, 1)
	assert.Equal("c1", res[0].CorrelationID)
}
