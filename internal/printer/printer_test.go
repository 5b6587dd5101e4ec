package printer_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/printer"
)

func taskFixture() model.ScheduledTask {
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	lastRun := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	return model.ScheduledTask{
		ID:          "01JTASK",
		ThreadID:    "family",
		Schedule:    model.Schedule{Kind: model.ScheduleKindCron, Value: "0 9 * * *"},
		Prompt:      "water the plants",
		ContextMode: model.ContextModeIsolated,
		Status:      model.TaskStatusActive,
		LastRunAt:   &lastRun,
		LastResult:  "done",
		CreatedAt:   createdAt,
	}
}

func TestTablePrinterPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintTasks([]model.ScheduledTask{taskFixture()})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "01JTASK")
	assert.Contains(t, lines[1], "cron(0 9 * * *)")
	// Without next run.
	assert.Contains(t, lines[1], " - ")
}

func TestTablePrinterPrintTask(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	runs := []model.TaskRun{
		{RunAt: time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC), Duration: 90 * time.Second, Status: model.TaskRunStatusSuccess, Result: "line1\nline2"},
		{RunAt: time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC), Status: model.TaskRunStatusError, Error: "boom"},
	}
	err := p.PrintTask(taskFixture(), runs)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Thread:      family")
	assert.Contains(t, out, "Last run:    2026-01-31 09:00:00 UTC")
	assert.Contains(t, out, "line1...")
	assert.Contains(t, out, "boom")
}

func TestJSONPrinterPrintTask(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	runs := []model.TaskRun{{RunAt: time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC), Duration: 2 * time.Second, Status: model.TaskRunStatusSuccess}}
	err := p.PrintTask(taskFixture(), runs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "cron", got["schedule_kind"])
	assert.Nil(t, got["next_run_at"])
	require.Len(t, got["runs"], 1)
	assert.Equal(t, float64(2000), got["runs"].([]any)[0].(map[string]any)["duration_ms"])
}

func TestJSONPrinterPrintJobRuns(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	started := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	err := p.PrintJobRuns([]model.JobRun{{
		JobID:      "01JJOB",
		ThreadID:   "family",
		Kind:       model.JobKindEvent,
		Status:     model.JobStatusTimedOut,
		Attempts:   2,
		Error:      "hard timeout",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"status": "timed_out"`)
	assert.Contains(t, out, `"attempts": 2`)
	assert.NotContains(t, out, `"container_id"`)
}

func TestTablePrinterPrintEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintTasks(nil))
	require.NoError(t, p.PrintJobRuns(nil))
	assert.Empty(t, buf.String())
}

func TestTablePrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintMessage("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(buf.String()))
}
