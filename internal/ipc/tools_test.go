package ipc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/channel"
	"github.com/slok/codeclaw/internal/channel/channelmock"
	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/scheduler"
	"github.com/slok/codeclaw/internal/storage/memory"
)

func TestTools(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 30, 0, 0, time.UTC)
	next := now.Add(time.Hour)
	otherTask := model.ScheduledTask{
		ID:          "other-task",
		ThreadID:    "other",
		Schedule:    model.Schedule{Kind: model.ScheduleKindInterval, Value: "3600000"},
		Prompt:      "Other",
		ContextMode: model.ContextModeIsolated,
		NextRunAt:   &next,
		Status:      model.TaskStatusActive,
		CreatedAt:   now,
	}

	tests := map[string]struct {
		call        ipc.Call
		expErr      error
		expResult   func(t *testing.T, res json.RawMessage)
		expMessages []model.ChatMessage
		expReviews  int
		expTasks    map[string]int
	}{
		"Sending a message to the own thread should post it.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"hello"}`)},
			expMessages: []model.ChatMessage{{ThreadID: "family", Text: "hello"}},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Sending a message to another thread from a non main thread should be denied.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"hello","threadId":"other"}`)},
			expErr:      model.ErrPermissionDenied,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Sending a message to another thread from the main thread should post it.": {
			call:        ipc.Call{ThreadID: "main", IsMain: true, Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"hello","threadId":"other"}`)},
			expMessages: []model.ChatMessage{{ThreadID: "other", Text: "hello"}},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"An empty message to another thread from a non main thread should be denied before validation.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"","threadId":"other"}`)},
			expErr:      model.ErrPermissionDenied,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"An empty message should fail.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"  "}`)},
			expErr:      model.ErrNotValid,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Malformed arguments should be a protocol error.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":`)},
			expErr:      model.ErrIPCProtocol,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"An unknown tool should be a protocol error.": {
			call:        ipc.Call{ThreadID: "family", Tool: "register_group"},
			expErr:      model.ErrIPCProtocol,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"A review should be posted.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolSendReview, Args: json.RawMessage(`{"body":"LGTM","event":"APPROVE"}`)},
			expMessages: []model.ChatMessage{},
			expReviews:  1,
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Scheduling a task should create it on the own thread.": {
			call: ipc.Call{
				ThreadID: "family",
				Tool:     ipc.ToolScheduleTask,
				Args:     json.RawMessage(`{"prompt":"Daily summary","scheduleType":"cron","scheduleValue":"0 9 * * *","contextMode":"group"}`),
			},
			expResult: func(t *testing.T, res json.RawMessage) {
				var view ipc.TaskView
				require.NoError(t, json.Unmarshal(res, &view))
				assert.Equal(t, "family", view.ThreadID)
				assert.Equal(t, "group", view.ContextMode)
				assert.Equal(t, "active", view.Status)
				require.NotNil(t, view.NextRunAt)
				assert.Equal(t, time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC), view.NextRunAt.UTC())
			},
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 1, "other": 1},
		},

		"Scheduling a task on another thread from a non main thread should be denied.": {
			call: ipc.Call{
				ThreadID: "family",
				Tool:     ipc.ToolScheduleTask,
				Args:     json.RawMessage(`{"prompt":"x","scheduleType":"interval","scheduleValue":"1000","threadId":"other"}`),
			},
			expErr:      model.ErrPermissionDenied,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Scheduling a task with an invalid schedule should fail.": {
			call: ipc.Call{
				ThreadID: "family",
				Tool:     ipc.ToolScheduleTask,
				Args:     json.RawMessage(`{"prompt":"x","scheduleType":"interval","scheduleValue":"-5"}`),
			},
			expErr:      model.ErrNotValid,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Listing tasks from a non main thread should only return its own.": {
			call: ipc.Call{ThreadID: "family", Tool: ipc.ToolListTasks},
			expResult: func(t *testing.T, res json.RawMessage) {
				assert.JSONEq(t, `{"tasks":[]}`, string(res))
			},
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Listing tasks from the main thread should return every task.": {
			call: ipc.Call{ThreadID: "main", IsMain: true, Tool: ipc.ToolListTasks},
			expResult: func(t *testing.T, res json.RawMessage) {
				var got struct {
					Tasks []ipc.TaskView `json:"tasks"`
				}
				require.NoError(t, json.Unmarshal(res, &got))
				require.Len(t, got.Tasks, 1)
				assert.Equal(t, "other-task", got.Tasks[0].ID)
			},
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Cancelling a task of another thread from a non main thread should be denied.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolCancelTask, Args: json.RawMessage(`{"taskId":"other-task"}`)},
			expErr:      model.ErrPermissionDenied,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Cancelling a task of another thread from the main thread should delete it.": {
			call:        ipc.Call{ThreadID: "main", IsMain: true, Tool: ipc.ToolCancelTask, Args: json.RawMessage(`{"taskId":"other-task"}`)},
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 0},
		},

		"Pausing a missing task should be not found.": {
			call:        ipc.Call{ThreadID: "family", Tool: ipc.ToolPauseTask, Args: json.RawMessage(`{"taskId":"missing"}`)},
			expErr:      model.ErrNotFound,
			expMessages: []model.ChatMessage{},
			expTasks:    map[string]int{"family": 0, "other": 1},
		},

		"Updating a task from the main thread should change it.": {
			call:        ipc.Call{ThreadID: "main", IsMain: true, Tool: ipc.ToolUpdateTask, Args: json.RawMessage(`{"taskId":"other-task","prompt":"Changed","scheduleValue":"60000"}`)},
			expMessages: []model.ChatMessage{},
			expResult: func(t *testing.T, res json.RawMessage) {
				var view ipc.TaskView
				require.NoError(t, json.Unmarshal(res, &view))
				assert.Equal(t, "Changed", view.Prompt)
				assert.Equal(t, "60000", view.ScheduleValue)
				assert.Equal(t, time.Date(2026, 1, 30, 10, 31, 0, 0, time.UTC), view.NextRunAt.UTC())
			},
			expTasks: map[string]int{"family": 0, "other": 1},
		},

		"Getting a task should return its runs.": {
			call:        ipc.Call{ThreadID: "other", Tool: ipc.ToolGetTask, Args: json.RawMessage(`{"taskId":"other-task"}`)},
			expMessages: []model.ChatMessage{},
			expResult: func(t *testing.T, res json.RawMessage) {
				var view ipc.TaskView
				require.NoError(t, json.Unmarshal(res, &view))
				require.Len(t, view.Runs, 1)
				assert.Equal(t, "success", view.Runs[0].Status)
				assert.Equal(t, int64(1500), view.Runs[0].DurationMS)
			},
			expTasks: map[string]int{"family": 0, "other": 1},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			assert := assert.New(t)

			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(err)
			require.NoError(repo.CreateTask(context.TODO(), otherTask))
			require.NoError(repo.AddTaskRun(context.TODO(), model.TaskRun{
				TaskID:   otherTask.ID,
				RunAt:    now,
				Duration: 1500 * time.Millisecond,
				Status:   model.TaskRunStatusSuccess,
			}))

			svc, err := scheduler.NewService(scheduler.ServiceConfig{Repository: repo, Clock: clockwork.NewFakeClockAt(now)})
			require.NoError(err)
			ch := &channel.Recorder{}
			tools, err := ipc.NewTools(ipc.ToolsConfig{Tasks: svc, Channel: ch})
			require.NoError(err)

			res, err := tools.Handle(context.TODO(), test.call)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else if assert.NoError(err) && test.expResult != nil {
				test.expResult(t, res)
			}

			assert.Equal(test.expMessages, ch.Messages())
			assert.Len(ch.Reviews(), test.expReviews)
			for threadID, n := range test.expTasks {
				tasks, err := repo.ListTasks(context.TODO(), threadID)
				require.NoError(err)
				assert.Len(tasks, n, threadID)
			}
		})
	}
}

func TestToolsChannelFailure(t *testing.T) {
	tests := map[string]struct {
		call ipc.Call
		mock func(m *channelmock.MockChannel)
	}{
		"A message that can't be posted should fail the call.": {
			call: ipc.Call{ThreadID: "family", Tool: ipc.ToolSendMessage, Args: json.RawMessage(`{"text":"hello"}`)},
			mock: func(m *channelmock.MockChannel) {
				m.On("PostMessage", mock.Anything, model.ChatMessage{ThreadID: "family", Text: "hello"}).Once().Return(fmt.Errorf("whatever"))
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(t, err)
			svc, err := scheduler.NewService(scheduler.ServiceConfig{Repository: repo})
			require.NoError(t, err)

			mch := channelmock.NewMockChannel(t)
			test.mock(mch)

			tools, err := ipc.NewTools(ipc.ToolsConfig{Tasks: svc, Channel: mch})
			require.NoError(t, err)

			_, err = tools.Handle(context.TODO(), test.call)
			assert.Error(t, err)
		})
	}
}
