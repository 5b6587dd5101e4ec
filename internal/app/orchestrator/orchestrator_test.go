package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/app/orchestrator"
	"github.com/slok/codeclaw/internal/channel"
	"github.com/slok/codeclaw/internal/container"
	"github.com/slok/codeclaw/internal/container/fake"
	"github.com/slok/codeclaw/internal/gate"
	"github.com/slok/codeclaw/internal/ipc"
	ipcmemory "github.com/slok/codeclaw/internal/ipc/memory"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
	"github.com/slok/codeclaw/internal/queue"
	"github.com/slok/codeclaw/internal/session"
	"github.com/slok/codeclaw/internal/storage"
	"github.com/slok/codeclaw/internal/storage/memory"
)

// brokenSessions fails every session store.
type brokenSessions struct {
	storage.SessionRepository
}

func (brokenSessions) SaveSession(context.Context, model.SessionState) error {
	return errors.New("disk full")
}

type taskRuns struct {
	mu   sync.Mutex
	runs []model.TaskRun
}

func (t *taskRuns) RecordRun(_ context.Context, run model.TaskRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = append(t.runs, run)
	return nil
}

func (t *taskRuns) Runs() []model.TaskRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.TaskRun{}, t.runs...)
}

type harness struct {
	orch     *orchestrator.Orchestrator
	queue    *queue.Queue
	repo     *memory.Repository
	runtime  *fake.Runtime
	channel  *channel.Recorder
	taskRuns *taskRuns
	clock    *clockwork.FakeClock
}

type harnessConfig struct {
	maxRetries    int
	spawnAttempts int
	brokenStore   bool
	mounts        map[string][]model.AdditionalMount
	scripts       []fake.Script
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	require := require.New(t)

	clock := clockwork.NewFakeClock()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)

	dataDir := t.TempDir()
	validator, err := mount.NewValidator(mount.ValidatorConfig{SystemEntries: mount.SystemEntries(dataDir)})
	require.NoError(err)
	rt, err := fake.NewRuntime(fake.RuntimeConfig{Scripts: cfg.scripts})
	require.NoError(err)
	runner, err := container.NewRunner(container.RunnerConfig{
		Runtime:        rt,
		MountValidator: validator,
		Mailboxes:      func(string) (ipc.Mailbox, error) { return ipcmemory.NewMailbox(0), nil },
		ToolHandler: ipc.HandlerFunc(func(ctx context.Context, call ipc.Call) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
		DataDir: dataDir,
		Image:   "codeclaw-agent:latest",
		Clock:   clock,
	})
	require.NoError(err)

	g, err := gate.NewGate(gate.GateConfig{EventRepository: repo, Clock: clock})
	require.NoError(err)
	var sessionRepo storage.SessionRepository = repo
	if cfg.brokenStore {
		sessionRepo = brokenSessions{SessionRepository: repo}
	}
	sessions, err := session.NewManager(session.ManagerConfig{SessionRepository: sessionRepo, MessageRepository: repo, Clock: clock})
	require.NoError(err)

	h := &harness{repo: repo, runtime: rt, channel: &channel.Recorder{}, taskRuns: &taskRuns{}, clock: clock}
	q, err := queue.NewQueue(queue.QueueConfig{
		Executor: queue.ExecutorFunc(func(ctx context.Context, job model.Job) (model.JobRun, error) {
			return h.orch.Execute(ctx, job)
		}),
		MaxConcurrent:    2,
		JobRunRepository: repo,
		MaxSpawnAttempts: cfg.spawnAttempts,
		OnSpawnExhausted: func(job model.Job, err error) { h.orch.SpawnExhausted(job, err) },
		Clock:            clock,
	})
	require.NoError(err)
	h.queue = q

	h.orch, err = orchestrator.NewOrchestrator(orchestrator.OrchestratorConfig{
		Gate:              g,
		Queue:             q,
		Runner:            runner,
		Sessions:          sessions,
		MessageRepository: repo,
		Channel:           h.channel,
		TaskRuns:          h.taskRuns,
		MainThreadID:      "main",
		ThreadMounts:      cfg.mounts,
		MaxRunRetries:     cfg.maxRetries,
		RunRetryBackoff:   5 * time.Second,
		Clock:             clock,
	})
	require.NoError(err)

	t.Cleanup(func() {
		_ = h.orch.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	return h
}

func (h *harness) waitJobRuns(t *testing.T, threadID string, n int) []model.JobRun {
	t.Helper()
	var runs []model.JobRun
	require.Eventually(t, func() bool {
		var err error
		runs, err = h.repo.ListJobRuns(context.TODO(), threadID, 0)
		require.NoError(t, err)
		return len(runs) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return runs
}

func (h *harness) pending(t *testing.T, threadID string) []model.Message {
	t.Helper()
	sessions, err := session.NewManager(session.ManagerConfig{SessionRepository: h.repo, MessageRepository: h.repo})
	require.NoError(t, err)
	msgs, err := sessions.PendingMessages(context.TODO(), threadID)
	require.NoError(t, err)
	return msgs
}

func stdinInput(t *testing.T, spec container.SpawnSpec) container.Input {
	t.Helper()
	var in container.Input
	require.NoError(t, json.Unmarshal(spec.Stdin, &in))
	return in
}

func texts(msgs []model.ChatMessage) []string {
	res := []string{}
	for _, m := range msgs {
		res = append(res, m.Text)
	}
	return res
}

func newEvent(delivery, payload string) model.Event {
	return model.Event{
		Kind:       "issue_comment",
		ThreadRef:  "acme/widgets#12",
		Actor:      "alice",
		Permission: model.PermissionWrite,
		Payload:    payload,
		DeliveryID: delivery,
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

var successScript = fake.Script{Stdout: []string{
	fake.OutputRecord(container.Output{
		Status:        container.OutputStatusSuccess,
		Result:        "<internal>thinking</internal>Done, see the PR.",
		NewSessionID:  "s-1",
		LastMessageID: "m-1",
	}),
}}

func TestOrchestratorEventCompleted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 3, scripts: []fake.Script{successScript}})

	dec, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "please fix <b>this</b>"))
	require.NoError(err)
	assert.Equal(model.DecisionAccepted, dec.Kind)
	assert.Equal("acme-widgets-12", dec.ThreadID)

	runs := h.waitJobRuns(t, "acme-widgets-12", 1)
	assert.Equal(model.JobStatusCompleted, runs[0].Status)

	specs := h.runtime.Specs()
	require.Len(specs, 1)
	in := stdinInput(t, specs[0])
	assert.Equal(`<messages>
<message sender="alice" time="2024-01-02T03:04:05Z">please fix &lt;b&gt;this&lt;/b&gt;</message>
</messages>`, in.Prompt)
	assert.Empty(in.SessionID)
	assert.False(in.IsMain)

	// Internal reasoning is never posted.
	assert.Equal([]string{"Done, see the PR."}, texts(h.channel.Messages()))

	// The session moved forward and every message was consumed.
	s, err := h.repo.GetSession(context.TODO(), "acme-widgets-12")
	require.NoError(err)
	assert.Equal("s-1", s.SessionID)
	assert.Equal("m-1", s.LastAnchorMessageID)
	assert.Equal("d1", s.LastProcessedCursor)
	assert.Empty(h.pending(t, "acme-widgets-12"))
}

func TestOrchestratorSubmitEventDecisions(t *testing.T) {
	tests := map[string]struct {
		events       []model.Event
		expDecisions []model.DecisionKind
		expPending   int
	}{
		"The same delivery twice should be stored and run once.": {
			events:       []model.Event{newEvent("d1", "hi"), newEvent("d1", "hi")},
			expDecisions: []model.DecisionKind{model.DecisionAccepted, model.DecisionDuplicate},
			expPending:   1,
		},

		"Rejected events should not be stored.": {
			events: func() []model.Event {
				ev := newEvent("d1", "hi")
				ev.Permission = model.PermissionRead
				return []model.Event{ev}
			}(),
			expDecisions: []model.DecisionKind{model.DecisionRejected},
			expPending:   0,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			// Blocked containers keep the messages pending.
			h := newHarness(t, harnessConfig{scripts: []fake.Script{{Block: true}}})

			gotDecisions := []model.DecisionKind{}
			for _, ev := range test.events {
				dec, err := h.orch.SubmitEvent(context.TODO(), ev)
				require.NoError(err)
				gotDecisions = append(gotDecisions, dec.Kind)
			}
			assert.Equal(test.expDecisions, gotDecisions)
			assert.Len(h.pending(t, "acme-widgets-12"), test.expPending)

			if test.expPending > 0 {
				require.Eventually(func() bool { return len(h.runtime.Specs()) == 1 }, 5*time.Second, 10*time.Millisecond)
			}
			assert.LessOrEqual(len(h.runtime.Specs()), 1)
		})
	}
}

func TestOrchestratorRetriesFailedRuns(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 3, scripts: []fake.Script{{ExitCode: 1}, successScript}})

	_, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "hi"))
	require.NoError(err)

	runs := h.waitJobRuns(t, "acme-widgets-12", 1)
	assert.Equal(model.JobStatusFailed, runs[0].Status)

	// A failed run leaves the messages pending.
	assert.Len(h.pending(t, "acme-widgets-12"), 1)
	_, err = h.repo.GetSession(context.TODO(), "acme-widgets-12")
	assert.ErrorIs(err, model.ErrNotFound)

	// Retry after the backoff.
	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)

	runs = h.waitJobRuns(t, "acme-widgets-12", 2)
	assert.Equal(model.JobStatusCompleted, runs[0].Status)

	specs := h.runtime.Specs()
	require.Len(specs, 2)
	assert.Equal(stdinInput(t, specs[0]).Prompt, stdinInput(t, specs[1]).Prompt)
	assert.Empty(h.pending(t, "acme-widgets-12"))
	assert.Equal([]string{"Done, see the PR."}, texts(h.channel.Messages()))
}

func TestOrchestratorNotifiesWhenRetriesAreExhausted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 1, scripts: []fake.Script{{ExitCode: 1}}})

	_, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "hi"))
	require.NoError(err)
	h.waitJobRuns(t, "acme-widgets-12", 1)

	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)

	h.waitJobRuns(t, "acme-widgets-12", 2)
	require.Eventually(func() bool { return len(h.channel.Messages()) == 1 }, 5*time.Second, 10*time.Millisecond)

	msg := h.channel.Messages()[0]
	assert.Equal("acme-widgets-12", msg.ThreadID)
	assert.True(strings.HasPrefix(msg.Text, "I could not process the latest messages"))
	assert.Len(h.pending(t, "acme-widgets-12"), 1)
	assert.Len(h.runtime.Specs(), 2)
}

func TestOrchestratorSessionStoreFailureIsRetried(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 1, brokenStore: true, scripts: []fake.Script{successScript}})

	_, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "hi"))
	require.NoError(err)

	// The run completed but the session could not move forward, nothing is posted.
	runs := h.waitJobRuns(t, "acme-widgets-12", 1)
	assert.Equal(model.JobStatusFailed, runs[0].Status)
	assert.Contains(runs[0].Error, "disk full")
	assert.Empty(h.channel.Messages())
	assert.Len(h.pending(t, "acme-widgets-12"), 1)

	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)

	h.waitJobRuns(t, "acme-widgets-12", 2)
	require.Eventually(func() bool { return len(h.channel.Messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(strings.HasPrefix(h.channel.Messages()[0].Text, "I could not process the latest messages"))
	assert.Contains(h.channel.Messages()[0].Text, "disk full")
	assert.Len(h.runtime.Specs(), 2)
}

func TestOrchestratorSpawnExhausted(t *testing.T) {
	tests := map[string]struct {
		submit func(t *testing.T, h *harness)
		check  func(t *testing.T, h *harness)
	}{
		"An event job that can't spawn should notify the thread.": {
			submit: func(t *testing.T, h *harness) {
				_, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "hi"))
				require.NoError(t, err)
			},
			check: func(t *testing.T, h *harness) {
				runs := h.waitJobRuns(t, "acme-widgets-12", 1)
				assert.Equal(t, model.JobStatusFailed, runs[0].Status)
				require.Eventually(t, func() bool { return len(h.channel.Messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
				assert.Contains(t, h.channel.Messages()[0].Text, "docker down")
				assert.Len(t, h.pending(t, "acme-widgets-12"), 1)
			},
		},

		"A scheduled job that can't spawn should record a failed task run.": {
			submit: func(t *testing.T, h *harness) {
				err := h.orch.SubmitTask(context.TODO(), model.Job{
					ThreadID:    "family",
					Kind:        model.JobKindScheduled,
					TaskID:      "t1",
					Prompt:      "water the plants",
					ContextMode: model.ContextModeIsolated,
				})
				require.NoError(t, err)
			},
			check: func(t *testing.T, h *harness) {
				require.Eventually(t, func() bool { return len(h.taskRuns.Runs()) == 1 }, 5*time.Second, 10*time.Millisecond)
				run := h.taskRuns.Runs()[0]
				assert.Equal(t, "t1", run.TaskID)
				assert.Equal(t, model.TaskRunStatusError, run.Status)
				assert.Contains(t, run.Error, "docker down")
				assert.Empty(t, h.channel.Messages())
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{
				spawnAttempts: 1,
				scripts:       []fake.Script{{SpawnErr: errors.New("docker down")}},
			})

			test.submit(t, h)
			test.check(t, h)
		})
	}
}

func TestOrchestratorMountRejectedIsNotRetried(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// The mount host path is outside the allowlist.
	h := newHarness(t, harnessConfig{
		maxRetries: 3,
		mounts: map[string][]model.AdditionalMount{
			"acme-widgets-12": {{HostPath: t.TempDir(), Name: "secrets"}},
		},
		scripts: []fake.Script{successScript},
	})

	_, err := h.orch.SubmitEvent(context.TODO(), newEvent("d1", "hi"))
	require.NoError(err)

	runs := h.waitJobRuns(t, "acme-widgets-12", 1)
	assert.Equal(model.JobStatusFailed, runs[0].Status)
	assert.Contains(runs[0].Error, "mount rejected")
	assert.Empty(h.runtime.Specs())
	require.Len(h.channel.Messages(), 1)
	assert.Contains(h.channel.Messages()[0].Text, "mount rejected")
}

func TestOrchestratorScheduledRuns(t *testing.T) {
	tests := map[string]struct {
		mode         model.ContextMode
		script       fake.Script
		expSessionIn string
		expSession   string
		expStatus    model.TaskRunStatus
		expResult    string
		expPosted    []string
	}{
		"Group runs should resume and advance the thread session.": {
			mode:         model.ContextModeGroup,
			script:       successScript,
			expSessionIn: "s-old",
			expSession:   "s-1",
			expStatus:    model.TaskRunStatusSuccess,
			expResult:    "Done, see the PR.",
			expPosted:    []string{"Done, see the PR."},
		},

		"Isolated runs should start fresh and keep the thread session.": {
			mode:         model.ContextModeIsolated,
			script:       successScript,
			expSessionIn: "",
			expSession:   "s-old",
			expStatus:    model.TaskRunStatusSuccess,
			expResult:    "Done, see the PR.",
			expPosted:    []string{"Done, see the PR."},
		},

		"Failed runs should be recorded as errors.": {
			mode:         model.ContextModeGroup,
			script:       fake.Script{ExitCode: 2},
			expSessionIn: "s-old",
			expSession:   "s-old",
			expStatus:    model.TaskRunStatusError,
			expResult:    "completed",
			expPosted:    []string{},
		},

		"Failed runs with outputs should only record them in the task run.": {
			mode:         model.ContextModeGroup,
			script:       fake.Script{Stdout: successScript.Stdout, ExitCode: 1},
			expSessionIn: "s-old",
			expSession:   "s-old",
			expStatus:    model.TaskRunStatusError,
			expResult:    "Done, see the PR.",
			expPosted:    []string{},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			h := newHarness(t, harnessConfig{maxRetries: 3, scripts: []fake.Script{test.script}})
			err := h.repo.SaveSession(context.TODO(), model.SessionState{
				ThreadID:            "family",
				SessionID:           "s-old",
				LastAnchorMessageID: "a-old",
				LastProcessedCursor: "c-old",
			})
			require.NoError(err)

			err = h.orch.SubmitTask(context.TODO(), model.Job{
				ThreadID:    "family",
				Kind:        model.JobKindScheduled,
				TaskID:      "t1",
				Prompt:      "water the plants",
				ContextMode: test.mode,
			})
			require.NoError(err)

			require.Eventually(func() bool { return len(h.taskRuns.Runs()) == 1 }, 5*time.Second, 10*time.Millisecond)
			run := h.taskRuns.Runs()[0]
			assert.Equal("t1", run.TaskID)
			assert.Equal(test.expStatus, run.Status)
			assert.Equal(test.expResult, run.Result)
			assert.Equal(test.expPosted, texts(h.channel.Messages()))

			in := stdinInput(t, h.runtime.Specs()[0])
			assert.Equal("water the plants", in.Prompt)
			assert.True(in.IsScheduledTask)
			assert.Equal(test.expSessionIn, in.SessionID)

			h.waitJobRuns(t, "family", 1)
			s, err := h.repo.GetSession(context.TODO(), "family")
			require.NoError(err)
			assert.Equal(test.expSession, s.SessionID)
			assert.Equal("c-old", s.LastProcessedCursor)
		})
	}
}

func TestOrchestratorRecoverPending(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 3, scripts: []fake.Script{successScript}})
	ctx := context.TODO()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(h.repo.AddMessage(ctx, model.Message{ID: "m1", ThreadID: "done", Sender: "bob", Content: "old", Timestamp: ts}))
	require.NoError(h.repo.SaveSession(ctx, model.SessionState{ThreadID: "done", LastProcessedCursor: "m1"}))
	require.NoError(h.repo.AddMessage(ctx, model.Message{ID: "m2", ThreadID: "family", Sender: "bob", Content: "new", Timestamp: ts}))

	n, err := h.orch.RecoverPending(ctx)
	require.NoError(err)
	assert.Equal(1, n)

	runs := h.waitJobRuns(t, "family", 1)
	assert.Equal(model.JobStatusCompleted, runs[0].Status)
	assert.Len(h.runtime.Specs(), 1)
	assert.Empty(h.pending(t, "family"))
}

func TestOrchestratorMainThread(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	h := newHarness(t, harnessConfig{maxRetries: 3, scripts: []fake.Script{successScript}})
	ev := newEvent("d1", "hi")
	ev.ThreadRef = "main"

	_, err := h.orch.SubmitEvent(context.TODO(), ev)
	require.NoError(err)
	h.waitJobRuns(t, "main", 1)

	assert.True(stdinInput(t, h.runtime.Specs()[0]).IsMain)
}
