package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/codeclaw/internal/model"
)

// JSONPrinter prints codeclaw information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// taskOutput represents a scheduled task.
type taskOutput struct {
	ID            string          `json:"id"`
	ThreadID      string          `json:"thread_id"`
	ScheduleKind  string          `json:"schedule_kind"`
	ScheduleValue string          `json:"schedule_value"`
	ContextMode   string          `json:"context_mode"`
	Status        string          `json:"status"`
	Prompt        string          `json:"prompt"`
	NextRunAt     *time.Time      `json:"next_run_at"`
	LastRunAt     *time.Time      `json:"last_run_at"`
	LastResult    string          `json:"last_result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Runs          []taskRunOutput `json:"runs,omitempty"`
}

// taskRunOutput represents one run of a task.
type taskRunOutput struct {
	RunAt      time.Time `json:"run_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// jobRunOutput represents a finished job.
type jobRunOutput struct {
	JobID       string    `json:"job_id"`
	ThreadID    string    `json:"thread_id"`
	Kind        string    `json:"kind"`
	ContainerID string    `json:"container_id,omitempty"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	LogRef      string    `json:"log_ref,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

func newTaskOutput(t model.ScheduledTask) taskOutput {
	return taskOutput{
		ID:            t.ID,
		ThreadID:      t.ThreadID,
		ScheduleKind:  string(t.Schedule.Kind),
		ScheduleValue: t.Schedule.Value,
		ContextMode:   string(t.ContextMode),
		Status:        string(t.Status),
		Prompt:        t.Prompt,
		NextRunAt:     utcPtr(t.NextRunAt),
		LastRunAt:     utcPtr(t.LastRunAt),
		LastResult:    t.LastResult,
		CreatedAt:     t.CreatedAt.UTC(),
	}
}

// PrintTasks prints scheduled tasks in JSON format.
func (j *JSONPrinter) PrintTasks(tasks []model.ScheduledTask) error {
	items := make([]taskOutput, len(tasks))
	for i, t := range tasks {
		items[i] = newTaskOutput(t)
	}

	return j.encode(items)
}

// PrintTask prints a task with its runs in JSON format.
func (j *JSONPrinter) PrintTask(task model.ScheduledTask, runs []model.TaskRun) error {
	output := newTaskOutput(task)
	for _, r := range runs {
		output.Runs = append(output.Runs, taskRunOutput{
			RunAt:      r.RunAt.UTC(),
			DurationMS: r.Duration.Milliseconds(),
			Status:     string(r.Status),
			Result:     r.Result,
			Error:      r.Error,
		})
	}

	return j.encode(output)
}

// PrintJobRuns prints the job run history in JSON format.
func (j *JSONPrinter) PrintJobRuns(runs []model.JobRun) error {
	items := make([]jobRunOutput, len(runs))
	for i, r := range runs {
		items[i] = jobRunOutput{
			JobID:       r.JobID,
			ThreadID:    r.ThreadID,
			Kind:        string(r.Kind),
			ContainerID: r.ContainerID,
			Status:      string(r.Status),
			Attempts:    r.Attempts,
			Error:       r.Error,
			LogRef:      r.LogRef,
			StartedAt:   r.StartedAt.UTC(),
			FinishedAt:  r.FinishedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
