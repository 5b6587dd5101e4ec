// Package storagetest has the behavior tests every storage.Repository implementation must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/storage"
)

// TaskFixture returns a valid active task.
func TaskFixture(id, threadID string, nextRunAt time.Time) model.ScheduledTask {
	next := nextRunAt.UTC().Truncate(time.Millisecond)
	return model.ScheduledTask{
		ID:          id,
		ThreadID:    threadID,
		Schedule:    model.Schedule{Kind: model.ScheduleKindInterval, Value: "60000"},
		Prompt:      "check the open pull requests",
		ContextMode: model.ContextModeGroup,
		NextRunAt:   &next,
		Status:      model.TaskStatusActive,
		CreatedAt:   time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC),
	}
}

// TestRepository runs the repository behavior tests using a fresh repository per test.
func TestRepository(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t0 := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		run func(ctx context.Context, t *testing.T, repo storage.Repository)
	}{
		"Tasks should be created, retrieved, updated and deleted.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				task := TaskFixture("t1", "slok-codeclaw", t0)
				require.NoError(t, repo.CreateTask(ctx, task))

				err := repo.CreateTask(ctx, task)
				assert.ErrorIs(t, err, model.ErrAlreadyExists)

				got, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, task, *got)

				got.Status = model.TaskStatusPaused
				got.LastResult = "ok"
				got.NextRunAt = nil
				require.NoError(t, repo.UpdateTask(ctx, *got))

				got2, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusPaused, got2.Status)
				assert.Nil(t, got2.NextRunAt)
				assert.Equal(t, "ok", got2.LastResult)

				require.NoError(t, repo.DeleteTask(ctx, "t1"))
				_, err = repo.GetTask(ctx, "t1")
				assert.ErrorIs(t, err, model.ErrNotFound)
				assert.ErrorIs(t, repo.DeleteTask(ctx, "t1"), model.ErrNotFound)
				assert.ErrorIs(t, repo.UpdateTask(ctx, task), model.ErrNotFound)
			},
		},

		"Tasks should be listed by thread.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				require.NoError(t, repo.CreateTask(ctx, TaskFixture("t1", "a", t0)))
				require.NoError(t, repo.CreateTask(ctx, TaskFixture("t2", "b", t0)))
				require.NoError(t, repo.CreateTask(ctx, TaskFixture("t3", "a", t0)))

				got, err := repo.ListTasks(ctx, "a")
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "t1", got[0].ID)
				assert.Equal(t, "t3", got[1].ID)

				all, err := repo.ListTasks(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 3)
			},
		},

		"Only active tasks due at now should be listed as due.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				due := TaskFixture("due", "a", t0.Add(-time.Minute))
				exact := TaskFixture("exact", "a", t0)
				future := TaskFixture("future", "a", t0.Add(time.Minute))
				paused := TaskFixture("paused", "a", t0.Add(-time.Hour))
				paused.Status = model.TaskStatusPaused
				retired := TaskFixture("retired", "a", t0)
				retired.NextRunAt = nil

				for _, task := range []model.ScheduledTask{exact, due, future, paused, retired} {
					require.NoError(t, repo.CreateTask(ctx, task))
				}

				got, err := repo.ListDueTasks(ctx, t0)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "due", got[0].ID)
				assert.Equal(t, "exact", got[1].ID)
			},
		},

		"Task runs should be listed newest first and removed with the task.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				require.NoError(t, repo.CreateTask(ctx, TaskFixture("t1", "a", t0)))
				for i := 0; i < 3; i++ {
					require.NoError(t, repo.AddTaskRun(ctx, model.TaskRun{
						TaskID:   "t1",
						RunAt:    t0.Add(time.Duration(i) * time.Minute),
						Duration: 1500 * time.Millisecond,
						Status:   model.TaskRunStatusSuccess,
						Result:   "run",
					}))
				}

				got, err := repo.ListTaskRuns(ctx, "t1", 2)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, t0.Add(2*time.Minute), got[0].RunAt)
				assert.Equal(t, 1500*time.Millisecond, got[0].Duration)

				err = repo.AddTaskRun(ctx, model.TaskRun{TaskID: "missing", RunAt: t0, Status: model.TaskRunStatusError})
				assert.ErrorIs(t, err, model.ErrNotFound)

				require.NoError(t, repo.DeleteTask(ctx, "t1"))
				got, err = repo.ListTaskRuns(ctx, "t1", 0)
				require.NoError(t, err)
				assert.Empty(t, got)
			},
		},

		"Sessions should be saved and replaced.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				_, err := repo.GetSession(ctx, "a")
				assert.ErrorIs(t, err, model.ErrNotFound)

				s := model.SessionState{ThreadID: "a", SessionID: "s1", LastAnchorMessageID: "m1", LastProcessedCursor: "c1", UpdatedAt: t0}
				require.NoError(t, repo.SaveSession(ctx, s))
				s.LastAnchorMessageID = "m2"
				require.NoError(t, repo.SaveSession(ctx, s))

				got, err := repo.GetSession(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, s, *got)
			},
		},

		"Messages should be listed after the cursor in insertion order.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				for _, id := range []string{"m1", "m2", "m3"} {
					require.NoError(t, repo.AddMessage(ctx, model.Message{ID: id, ThreadID: "a", Sender: "slok", Content: id, Timestamp: t0}))
				}
				require.NoError(t, repo.AddMessage(ctx, model.Message{ID: "x1", ThreadID: "b", Sender: "slok", Content: "x", Timestamp: t0}))
				err := repo.AddMessage(ctx, model.Message{ID: "m1", ThreadID: "a", Timestamp: t0})
				assert.ErrorIs(t, err, model.ErrAlreadyExists)

				all, err := repo.ListMessagesAfter(ctx, "a", "")
				require.NoError(t, err)
				assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(all))

				after, err := repo.ListMessagesAfter(ctx, "a", "m1")
				require.NoError(t, err)
				assert.Equal(t, []string{"m2", "m3"}, messageIDs(after))

				none, err := repo.ListMessagesAfter(ctx, "a", "m3")
				require.NoError(t, err)
				assert.Empty(t, none)

				threads, err := repo.ListMessageThreads(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b"}, threads)
			},
		},

		"Processed events should be deduplicated and cleaned.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				require.NoError(t, repo.MarkEventProcessed(ctx, "d1", t0))
				require.NoError(t, repo.MarkEventProcessed(ctx, "d2", t0.Add(time.Hour)))
				assert.ErrorIs(t, repo.MarkEventProcessed(ctx, "d1", t0), model.ErrAlreadyExists)

				n, err := repo.CleanupProcessedEvents(ctx, t0.Add(time.Minute))
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				assert.NoError(t, repo.MarkEventProcessed(ctx, "d1", t0))
			},
		},

		"Job runs should be listed newest first.": {
			run: func(ctx context.Context, t *testing.T, repo storage.Repository) {
				for _, id := range []string{"j1", "j2", "j3"} {
					require.NoError(t, repo.AddJobRun(ctx, model.JobRun{
						JobID:      id,
						ThreadID:   "a",
						Kind:       model.JobKindEvent,
						Status:     model.JobStatusCompleted,
						StartedAt:  t0,
						FinishedAt: t0.Add(time.Minute),
					}))
				}
				require.NoError(t, repo.AddJobRun(ctx, model.JobRun{JobID: "k1", ThreadID: "b", Status: model.JobStatusFailed, StartedAt: t0, FinishedAt: t0}))

				got, err := repo.ListJobRuns(ctx, "a", 2)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "j3", got[0].JobID)
				assert.Equal(t, "j2", got[1].JobID)

				all, err := repo.ListJobRuns(ctx, "", 0)
				require.NoError(t, err)
				assert.Len(t, all, 4)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test.run(context.Background(), t, newRepo(t))
		})
	}
}

func messageIDs(msgs []model.Message) []string {
	ids := []string{}
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
