package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/slok/codeclaw/internal/channel"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/scheduler"
)

// Tool names.
const (
	ToolScheduleTask = "schedule_task"
	ToolListTasks    = "list_tasks"
	ToolGetTask      = "get_task"
	ToolUpdateTask   = "update_task"
	ToolPauseTask    = "pause_task"
	ToolResumeTask   = "resume_task"
	ToolCancelTask   = "cancel_task"
	ToolSendMessage  = "send_message"
	ToolSendReview   = "send_review"
)

// TaskService is the scheduled task management used by the tools.
type TaskService interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*model.ScheduledTask, error)
	Get(ctx context.Context, id string) (*model.ScheduledTask, error)
	List(ctx context.Context, threadID string) ([]model.ScheduledTask, error)
	Runs(ctx context.Context, id string, limit int) ([]model.TaskRun, error)
	Update(ctx context.Context, req scheduler.UpdateRequest) (*model.ScheduledTask, error)
	Pause(ctx context.Context, id string) (*model.ScheduledTask, error)
	Resume(ctx context.Context, id string) (*model.ScheduledTask, error)
	Cancel(ctx context.Context, id string) error
}

var _ TaskService = &scheduler.Service{}

// ToolsConfig is the configuration of the tool handler.
type ToolsConfig struct {
	Tasks   TaskService
	Channel channel.Channel
	// RunHistory is the number of runs returned by get_task.
	RunHistory int
	Logger     log.Logger
}

func (c *ToolsConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("tasks service is required")
	}
	if c.Channel == nil {
		return fmt.Errorf("channel is required")
	}
	if c.RunHistory <= 0 {
		c.RunHistory = 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ipc.Tools"})
	return nil
}

type toolFunc func(ctx context.Context, call Call) (any, error)

// Tools is the Handler with the tools exposed to the containers. Non main threads
// can only act on their own thread.
type Tools struct {
	tasks      TaskService
	channel    channel.Channel
	runHistory int
	logger     log.Logger
	tools      map[string]toolFunc
}

// NewTools returns the tool handler.
func NewTools(cfg ToolsConfig) (*Tools, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Tools{
		tasks:      cfg.Tasks,
		channel:    cfg.Channel,
		runHistory: cfg.RunHistory,
		logger:     cfg.Logger,
	}
	t.tools = map[string]toolFunc{
		ToolScheduleTask: t.scheduleTask,
		ToolListTasks:    t.listTasks,
		ToolGetTask:      t.getTask,
		ToolUpdateTask:   t.updateTask,
		ToolPauseTask:    t.pauseTask,
		ToolResumeTask:   t.resumeTask,
		ToolCancelTask:   t.cancelTask,
		ToolSendMessage:  t.sendMessage,
		ToolSendReview:   t.sendReview,
	}

	return t, nil
}

// Handle satisfies Handler.
func (t *Tools) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	f, ok := t.tools[call.Tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q: %w", call.Tool, model.ErrIPCProtocol)
	}

	res, err := f(ctx, call)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("could not marshal result: %w", err)
	}
	return data, nil
}

// TaskView is the representation of a task returned to the containers.
type TaskView struct {
	ID            string     `json:"id"`
	ThreadID      string     `json:"threadId"`
	ScheduleType  string     `json:"scheduleType"`
	ScheduleValue string     `json:"scheduleValue"`
	Prompt        string     `json:"prompt"`
	ContextMode   string     `json:"contextMode"`
	Status        string     `json:"status"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastResult    string     `json:"lastResult,omitempty"`
	Runs          []RunView  `json:"runs,omitempty"`
}

// RunView is the representation of a task run returned to the containers.
type RunView struct {
	RunAt      time.Time `json:"runAt"`
	DurationMS int64     `json:"durationMs"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newTaskView(t model.ScheduledTask) TaskView {
	return TaskView{
		ID:            t.ID,
		ThreadID:      t.ThreadID,
		ScheduleType:  string(t.Schedule.Kind),
		ScheduleValue: t.Schedule.Value,
		Prompt:        t.Prompt,
		ContextMode:   string(t.ContextMode),
		Status:        string(t.Status),
		NextRunAt:     t.NextRunAt,
		LastRunAt:     t.LastRunAt,
		LastResult:    t.LastResult,
	}
}

// ScheduleTaskArgs are the arguments of schedule_task.
type ScheduleTaskArgs struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode,omitempty"`
	// ThreadID targets another thread, main thread only.
	ThreadID string `json:"threadId,omitempty"`
}

func (t *Tools) scheduleTask(ctx context.Context, call Call) (any, error) {
	var args ScheduleTaskArgs
	if err := decodeArgs(call, &args); err != nil {
		return nil, err
	}

	target, err := targetThread(call, args.ThreadID)
	if err != nil {
		return nil, err
	}
	mode, err := contextMode(args.ContextMode)
	if err != nil {
		return nil, err
	}

	task, err := t.tasks.Create(ctx, scheduler.CreateRequest{
		ThreadID:    target,
		Schedule:    model.Schedule{Kind: model.ScheduleKind(args.ScheduleType), Value: args.ScheduleValue},
		Prompt:      args.Prompt,
		ContextMode: mode,
	})
	if err != nil {
		return nil, err
	}

	t.logger.WithValues(log.Kv{"thread-id": call.ThreadID, "task-id": task.ID}).Infof("Task created from IPC for thread %s", target)
	return newTaskView(*task), nil
}

func (t *Tools) listTasks(ctx context.Context, call Call) (any, error) {
	threadID := call.ThreadID
	if call.IsMain {
		threadID = ""
	}

	tasks, err := t.tasks.List(ctx, threadID)
	if err != nil {
		return nil, err
	}

	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, newTaskView(task))
	}
	return map[string]any{"tasks": views}, nil
}

// TaskIDArgs are the arguments of the tools that act on a single task.
type TaskIDArgs struct {
	TaskID string `json:"taskId"`
}

func (t *Tools) getTask(ctx context.Context, call Call) (any, error) {
	task, err := t.ownedTask(ctx, call)
	if err != nil {
		return nil, err
	}

	runs, err := t.tasks.Runs(ctx, task.ID, t.runHistory)
	if err != nil {
		return nil, err
	}

	view := newTaskView(*task)
	for _, r := range runs {
		view.Runs = append(view.Runs, RunView{
			RunAt:      r.RunAt,
			DurationMS: r.Duration.Milliseconds(),
			Status:     string(r.Status),
			Result:     r.Result,
			Error:      r.Error,
		})
	}
	return view, nil
}

// UpdateTaskArgs are the arguments of update_task, missing fields are not changed.
type UpdateTaskArgs struct {
	TaskID        string  `json:"taskId"`
	Prompt        *string `json:"prompt,omitempty"`
	ScheduleType  *string `json:"scheduleType,omitempty"`
	ScheduleValue *string `json:"scheduleValue,omitempty"`
	ContextMode   *string `json:"contextMode,omitempty"`
}

func (t *Tools) updateTask(ctx context.Context, call Call) (any, error) {
	var args UpdateTaskArgs
	if err := decodeArgs(call, &args); err != nil {
		return nil, err
	}

	task, err := t.ownedTaskID(ctx, call, args.TaskID)
	if err != nil {
		return nil, err
	}

	req := scheduler.UpdateRequest{ID: task.ID, Prompt: args.Prompt}
	if args.ScheduleType != nil || args.ScheduleValue != nil {
		s := task.Schedule
		if args.ScheduleType != nil {
			s.Kind = model.ScheduleKind(*args.ScheduleType)
		}
		if args.ScheduleValue != nil {
			s.Value = *args.ScheduleValue
		}
		req.Schedule = &s
	}
	if args.ContextMode != nil {
		mode, err := contextMode(*args.ContextMode)
		if err != nil {
			return nil, err
		}
		req.ContextMode = &mode
	}

	updated, err := t.tasks.Update(ctx, req)
	if err != nil {
		return nil, err
	}
	return newTaskView(*updated), nil
}

func (t *Tools) pauseTask(ctx context.Context, call Call) (any, error) {
	task, err := t.ownedTask(ctx, call)
	if err != nil {
		return nil, err
	}

	paused, err := t.tasks.Pause(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return newTaskView(*paused), nil
}

func (t *Tools) resumeTask(ctx context.Context, call Call) (any, error) {
	task, err := t.ownedTask(ctx, call)
	if err != nil {
		return nil, err
	}

	resumed, err := t.tasks.Resume(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return newTaskView(*resumed), nil
}

func (t *Tools) cancelTask(ctx context.Context, call Call) (any, error) {
	task, err := t.ownedTask(ctx, call)
	if err != nil {
		return nil, err
	}

	if err := t.tasks.Cancel(ctx, task.ID); err != nil {
		return nil, err
	}
	return map[string]any{"id": task.ID, "cancelled": true}, nil
}

// SendMessageArgs are the arguments of send_message.
type SendMessageArgs struct {
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
	// ThreadID targets another thread, main thread only.
	ThreadID string `json:"threadId,omitempty"`
}

// sendMessage is at least once: a retransmitted call is deduplicated by its
// correlation ID, two calls with different IDs post twice.
func (t *Tools) sendMessage(ctx context.Context, call Call) (any, error) {
	var args SendMessageArgs
	if err := decodeArgs(call, &args); err != nil {
		return nil, err
	}
	target, err := targetThread(call, args.ThreadID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Text) == "" {
		return nil, fmt.Errorf("text is required: %w", model.ErrNotValid)
	}

	err = t.channel.PostMessage(ctx, model.ChatMessage{ThreadID: target, Text: args.Text, Sender: args.Sender})
	if err != nil {
		return nil, fmt.Errorf("could not post message: %w", err)
	}

	return map[string]any{"sent": true}, nil
}

// SendReviewArgs are the arguments of send_review.
type SendReviewArgs struct {
	Body     string                `json:"body"`
	Event    model.ReviewEvent     `json:"event"`
	PRNumber int                   `json:"prNumber,omitempty"`
	Comments []model.ReviewComment `json:"comments,omitempty"`
	// ThreadID targets another thread, main thread only.
	ThreadID string `json:"threadId,omitempty"`
}

func (t *Tools) sendReview(ctx context.Context, call Call) (any, error) {
	var args SendReviewArgs
	if err := decodeArgs(call, &args); err != nil {
		return nil, err
	}

	target, err := targetThread(call, args.ThreadID)
	if err != nil {
		return nil, err
	}

	review := model.Review{
		ThreadID: target,
		Body:     args.Body,
		Event:    args.Event,
		PRNumber: args.PRNumber,
		Comments: args.Comments,
	}
	if err := review.Validate(); err != nil {
		return nil, err
	}

	if err := t.channel.PostReview(ctx, review); err != nil {
		return nil, fmt.Errorf("could not post review: %w", err)
	}

	return map[string]any{"sent": true, "event": review.Event}, nil
}

func (t *Tools) ownedTask(ctx context.Context, call Call) (*model.ScheduledTask, error) {
	var args TaskIDArgs
	if err := decodeArgs(call, &args); err != nil {
		return nil, err
	}
	return t.ownedTaskID(ctx, call, args.TaskID)
}

func (t *Tools) ownedTaskID(ctx context.Context, call Call, id string) (*model.ScheduledTask, error) {
	if id == "" {
		return nil, fmt.Errorf("taskId is required: %w", model.ErrNotValid)
	}

	task, err := t.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !call.IsMain && task.ThreadID != call.ThreadID {
		t.logger.WithValues(log.Kv{"thread-id": call.ThreadID, "task-id": id}).Warningf("Blocked %s on a task of thread %s", call.Tool, task.ThreadID)
		return nil, fmt.Errorf("task %s belongs to another thread: %w", id, model.ErrPermissionDenied)
	}
	return task, nil
}

// targetThread resolves the thread a call acts on, only the main thread can
// target other threads.
func targetThread(call Call, requested string) (string, error) {
	if requested == "" || requested == call.ThreadID {
		return call.ThreadID, nil
	}
	if !call.IsMain {
		return "", fmt.Errorf("thread %s can't act on thread %s: %w", call.ThreadID, requested, model.ErrPermissionDenied)
	}
	if err := model.ValidateThreadID(requested); err != nil {
		return "", err
	}
	return requested, nil
}

func contextMode(s string) (model.ContextMode, error) {
	switch model.ContextMode(s) {
	case "":
		return model.ContextModeIsolated, nil
	case model.ContextModeGroup, model.ContextModeIsolated:
		return model.ContextMode(s), nil
	}
	return "", fmt.Errorf("unknown context mode %q: %w", s, model.ErrNotValid)
}

func decodeArgs(call Call, v any) error {
	if len(call.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(call.Args, v); err != nil {
		return fmt.Errorf("malformed %s arguments: %s: %w", call.Tool, err, model.ErrIPCProtocol)
	}
	return nil
}
