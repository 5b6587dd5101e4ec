package container_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/container/fake"
	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/ipc/memory"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
)

type mailboxes struct {
	mu   sync.Mutex
	last *memory.Mailbox
}

func (m *mailboxes) open(threadID string) (ipc.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = memory.NewMailbox(0)
	return m.last, nil
}

func (m *mailboxes) Last() *memory.Mailbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type testRunner struct {
	runner    *container.Runner
	runtime   *fake.Runtime
	mailboxes *mailboxes
	dataDir   string
}

func newTestRunner(t *testing.T, clock clockwork.Clock, handler ipc.Handler, scripts ...fake.Script) testRunner {
	t.Helper()

	dataDir := t.TempDir()
	validator, err := mount.NewValidator(mount.ValidatorConfig{SystemEntries: mount.SystemEntries(dataDir)})
	require.NoError(t, err)
	rt, err := fake.NewRuntime(fake.RuntimeConfig{Scripts: scripts})
	require.NoError(t, err)
	if handler == nil {
		handler = ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	}

	mbs := &mailboxes{}
	r, err := container.NewRunner(container.RunnerConfig{
		Runtime:        rt,
		MountValidator: validator,
		Mailboxes:      mbs.open,
		ToolHandler:    handler,
		DataDir:        dataDir,
		Image:          "codeclaw-agent:latest",
		HardTimeout:    30 * time.Minute,
		IdleTimeout:    5 * time.Minute,
		GracePeriod:    10 * time.Second,
		Env:            map[string]string{"LANG": "C.UTF-8"},
		Secrets:        map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
		Clock:          clock,
	})
	require.NoError(t, err)

	return testRunner{runner: r, runtime: rt, mailboxes: mbs, dataDir: dataDir}
}

func messageTexts(msgs []model.ChatMessage) []string {
	texts := []string{}
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	return texts
}

func TestRunnerRun(t *testing.T) {
	outside := t.TempDir()

	tests := map[string]struct {
		script         fake.Script
		req            container.RunRequest
		expErr         error
		expSpawns      int
		expStatus      model.ContainerStatus
		expMessages    []string
		expSessionID   string
		expLastMessage string
		expExitCode    int
		expRunErr      bool
	}{
		"A successful run should complete with the agent results.": {
			script: fake.Script{Stdout: []string{
				fake.OutputRecord(container.Output{Result: "hello", NewSessionID: "s-1"}),
				"some agent log line",
				fake.OutputRecord(container.Output{Status: container.OutputStatusSuccess, Result: "bye", LastMessageID: "m-2"}),
			}},
			req:            container.RunRequest{ThreadID: "t1", Prompt: "hi"},
			expSpawns:      1,
			expStatus:      model.ContainerStatusCompleted,
			expMessages:    []string{"hello", "bye"},
			expSessionID:   "s-1",
			expLastMessage: "m-2",
		},

		"A non zero exit should fail the run.": {
			script:      fake.Script{ExitCode: 3, Stderr: "boom"},
			req:         container.RunRequest{ThreadID: "t1", Prompt: "hi"},
			expSpawns:   1,
			expStatus:   model.ContainerStatusFailed,
			expMessages: []string{},
			expExitCode: 3,
			expRunErr:   true,
		},

		"A malformed output record should fail the run.": {
			script: fake.Script{Stdout: []string{
				container.OutputStartMarker, "{not json", container.OutputEndMarker,
			}},
			req:         container.RunRequest{ThreadID: "t1", Prompt: "hi"},
			expSpawns:   1,
			expStatus:   model.ContainerStatusFailed,
			expMessages: []string{},
			expRunErr:   true,
		},

		"An agent error as last record should fail the run.": {
			script: fake.Script{Stdout: []string{
				fake.OutputRecord(container.Output{Status: container.OutputStatusError, Error: "kaput"}),
			}},
			req:         container.RunRequest{ThreadID: "t1", Prompt: "hi"},
			expSpawns:   1,
			expStatus:   model.ContainerStatusFailed,
			expMessages: []string{},
			expRunErr:   true,
		},

		"An idle timeout bigger than the hard timeout should be rejected.": {
			req:    container.RunRequest{ThreadID: "t1", Prompt: "hi", HardTimeout: time.Minute, IdleTimeout: 2 * time.Minute},
			expErr: model.ErrNotValid,
		},

		"An invalid thread should be rejected.": {
			req:    container.RunRequest{ThreadID: "../etc", Prompt: "hi"},
			expErr: model.ErrNotValid,
		},

		"A spawn failure should be returned as a spawn failure.": {
			script:    fake.Script{SpawnErr: errors.New("docker is down")},
			req:       container.RunRequest{ThreadID: "t1", Prompt: "hi"},
			expErr:    model.ErrSpawnFailure,
			expSpawns: 1,
		},

		"A rejected additional mount should not spawn any container.": {
			req: container.RunRequest{
				ThreadID:         "t1",
				Prompt:           "hi",
				AdditionalMounts: []model.AdditionalMount{{HostPath: outside, Name: "outside"}},
			},
			expErr: model.ErrMountRejected,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			tr := newTestRunner(t, clockwork.NewFakeClock(), nil, test.script)
			res, err := tr.runner.Run(context.Background(), test.req)
			assert.Len(tr.runtime.Specs(), test.expSpawns)

			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(err)

			assert.Equal(test.expStatus, res.Handle.Status)
			assert.Equal(test.expMessages, messageTexts(res.Messages))
			assert.Equal(test.expSessionID, res.NewSessionID)
			assert.Equal(test.expLastMessage, res.LastMessageID)
			assert.Equal(test.expExitCode, res.ExitCode)
			if test.expRunErr {
				assert.Error(res.Err)
			} else {
				assert.NoError(res.Err)
			}

			assert.FileExists(res.LogRef)
			assert.True(tr.runtime.Processes()[0].Removed())
		})
	}
}

func TestRunnerSpawnSpec(t *testing.T) {
	tests := map[string]struct {
		isMain        bool
		expMountPaths []string
		expReadOnly   map[string]bool
	}{
		"The main thread should get every thread directory.": {
			isMain:        true,
			expMountPaths: []string{"/workspace/group", "/workspace/groups", "/home/agent/.claude", "/workspace/ipc", "/workspace/extra/docs"},
			expReadOnly:   map[string]bool{"/workspace/extra/docs": true},
		},

		"A non main thread should get the global memory read-only.": {
			expMountPaths: []string{"/workspace/group", "/workspace/global", "/home/agent/.claude", "/workspace/ipc", "/workspace/extra/docs"},
			expReadOnly:   map[string]bool{"/workspace/global": true, "/workspace/extra/docs": true},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			tr := newTestRunner(t, clockwork.NewFakeClock(), nil, fake.Script{})
			require.NoError(os.MkdirAll(filepath.Join(tr.dataDir, "groups", "global"), 0o755))
			docs := filepath.Join(tr.dataDir, "groups", "t1", "docs")
			require.NoError(os.MkdirAll(docs, 0o755))

			_, err := tr.runner.Run(context.Background(), container.RunRequest{
				JobID:            "j1",
				ThreadID:         "t1",
				IsMain:           test.isMain,
				Prompt:           "hi",
				SessionID:        "s-1",
				Secrets:          map[string]string{"GH_TOKEN": "gh-test"},
				AdditionalMounts: []model.AdditionalMount{{HostPath: docs, ReadOnly: true}},
			})
			require.NoError(err)

			specs := tr.runtime.Specs()
			require.Len(specs, 1)
			spec := specs[0]

			paths := []string{}
			for _, m := range spec.Mounts {
				paths = append(paths, m.ContainerPath)
				assert.Equal(test.expReadOnly[m.ContainerPath], m.ReadOnly, m.ContainerPath)
			}
			assert.Equal(test.expMountPaths, paths)

			// Secrets never reach the container environment.
			assert.Equal(map[string]string{"LANG": "C.UTF-8", "TZ": "UTC"}, spec.Env)
			assert.Equal("codeclaw-t1-j1", spec.Name)
			assert.Equal("t1", spec.Labels["dev.codeclaw.thread-id"])

			var input container.Input
			require.NoError(json.Unmarshal(spec.Stdin, &input))
			assert.Equal(container.Input{
				Prompt:    "hi",
				SessionID: "s-1",
				ThreadID:  "t1",
				JobID:     "j1",
				IsMain:    test.isMain,
				Secrets:   map[string]string{"ANTHROPIC_API_KEY": "sk-test", "GH_TOKEN": "gh-test"},
			}, input)
		})
	}
}

func TestRunnerToolCalls(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var mu sync.Mutex
	var calls []ipc.Call
	handler := ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call)
		return json.RawMessage(`{"id":"task-1"}`), nil
	})

	var tr testRunner
	var response model.IPCMessage
	script := fake.Script{
		OnStart: func(spec container.SpawnSpec) {
			mb := tr.mailboxes.Last()
			ctx := context.Background()
			_ = mb.Request(ctx, model.IPCMessage{Direction: model.IPCDirectionToHost, Type: model.IPCMessageTypeChatMessage, ThreadID: "t1", Text: "working on it"})
			_ = mb.Request(ctx, model.IPCMessage{Direction: model.IPCDirectionToHost, Type: model.IPCMessageTypeToolCall, ThreadID: "t1", CorrelationID: "c-1", Tool: "schedule_task", Args: json.RawMessage(`{}`)})
			response = <-mb.Responses()
		},
		Stdout: []string{fake.OutputRecord(container.Output{Result: "scheduled"})},
	}
	tr = newTestRunner(t, clockwork.NewFakeClock(), handler, script)

	res, err := tr.runner.Run(context.Background(), container.RunRequest{ThreadID: "t1", Prompt: "remind me"})
	require.NoError(err)

	assert.Equal(model.ContainerStatusCompleted, res.Handle.Status)
	assert.Equal([]string{"working on it", "scheduled"}, messageTexts(res.Messages))
	assert.Equal("c-1", response.CorrelationID)
	assert.JSONEq(`{"id":"task-1"}`, string(response.Result))
	require.Len(calls, 1)
	assert.Equal("schedule_task", calls[0].Tool)
	assert.Equal("t1", calls[0].ThreadID)
	assert.False(calls[0].IsMain)
}

func runAsync(ctx context.Context, r *container.Runner, req container.RunRequest) <-chan *container.RunResult {
	ch := make(chan *container.RunResult, 1)
	go func() {
		res, _ := r.Run(ctx, req)
		ch <- res
	}()
	return ch
}

func TestRunnerIdleTimeout(t *testing.T) {
	tests := map[string]struct {
		stdout    []string
		expStatus model.ContainerStatus
		expErr    error
	}{
		"An idle agent without results should time out.": {
			expStatus: model.ContainerStatusTimedOut,
			expErr:    model.ErrIdleTimeout,
		},

		"An idle agent that already answered should complete.": {
			stdout:    []string{fake.OutputRecord(container.Output{Result: "done"})},
			expStatus: model.ContainerStatusCompleted,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			clock := clockwork.NewFakeClock()
			tr := newTestRunner(t, clock, nil, fake.Script{Stdout: test.stdout, Block: true})

			resC := runAsync(context.Background(), tr.runner, container.RunRequest{ThreadID: "t1", Prompt: "hi"})

			// Hard and idle timers.
			clock.BlockUntil(2)
			clock.Advance(5 * time.Minute)

			var res *container.RunResult
			select {
			case res = <-resC:
			case <-time.After(5 * time.Second):
				require.FailNow("run did not finish")
			}
			require.NotNil(res)

			assert.Equal(test.expStatus, res.Handle.Status)
			if test.expErr != nil {
				assert.ErrorIs(res.Err, test.expErr)
			} else {
				assert.NoError(res.Err)
			}
			proc := tr.runtime.Processes()[0]
			assert.Equal([]string{container.SignalTerm}, proc.Signals())
			assert.Equal(fake.ExitCodeTerm, res.ExitCode)
		})
	}
}

func TestRunnerCancelKillsAfterGracePeriod(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	clock := clockwork.NewFakeClock()
	tr := newTestRunner(t, clock, nil, fake.Script{Block: true, IgnoreTerm: true})

	ctx, cancel := context.WithCancel(context.Background())
	resC := runAsync(ctx, tr.runner, container.RunRequest{ThreadID: "t1", Prompt: "hi"})

	clock.BlockUntil(2)
	cancel()

	// The grace period timer.
	clock.BlockUntil(3)
	clock.Advance(10 * time.Second)

	var res *container.RunResult
	select {
	case res = <-resC:
	case <-time.After(5 * time.Second):
		require.FailNow("run did not finish")
	}
	require.NotNil(res)

	assert.Equal(model.ContainerStatusKilled, res.Handle.Status)
	assert.Equal(fake.ExitCodeKill, res.ExitCode)
	proc := tr.runtime.Processes()[0]
	assert.Equal([]string{container.SignalTerm, container.SignalKill}, proc.Signals())
	assert.True(proc.Removed())
}

func TestRunnerHardTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// The agent keeps chatting so the idle timer never fires, only the hard deadline stops it.
	var tr testRunner
	script := fake.Script{
		Block: true,
		OnStart: func(spec container.SpawnSpec) {
			mb := tr.mailboxes.Last()
			go func() {
				for {
					err := mb.Request(context.Background(), model.IPCMessage{Direction: model.IPCDirectionToHost, Type: model.IPCMessageTypeChatMessage, ThreadID: "t1", Text: "still here"})
					if err != nil {
						return
					}
					time.Sleep(20 * time.Millisecond)
				}
			}()
		},
	}
	tr = newTestRunner(t, clockwork.NewRealClock(), nil, script)

	start := time.Now()
	res, err := tr.runner.Run(context.Background(), container.RunRequest{
		ThreadID:    "t1",
		Prompt:      "hi",
		HardTimeout: 800 * time.Millisecond,
		IdleTimeout: 400 * time.Millisecond,
	})
	require.NoError(err)

	assert.Equal(model.ContainerStatusTimedOut, res.Handle.Status)
	assert.ErrorIs(res.Err, model.ErrHardTimeout)
	assert.GreaterOrEqual(time.Since(start), 800*time.Millisecond)
	assert.Equal([]string{container.SignalTerm}, tr.runtime.Processes()[0].Signals())
	assert.True(tr.runtime.Processes()[0].Removed())
}
