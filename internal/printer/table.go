package printer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/slok/codeclaw/internal/model"
)

// TablePrinter prints codeclaw information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintTasks prints scheduled tasks in a table format.
func (t *TablePrinter) PrintTasks(tasks []model.ScheduledTask) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tTHREAD\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST RUN")

	// Print rows
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID,
			task.ThreadID,
			task.Schedule,
			task.Status,
			optionalTime(task.NextRunAt, TimeUntil),
			optionalTime(task.LastRunAt, TimeAgo),
		)
	}

	return nil
}

// PrintTask prints detailed task information with its latest runs.
func (t *TablePrinter) PrintTask(task model.ScheduledTask, runs []model.TaskRun) error {
	fmt.Fprintf(t.writer, "ID:          %s\n", task.ID)
	fmt.Fprintf(t.writer, "Thread:      %s\n", task.ThreadID)
	fmt.Fprintf(t.writer, "Schedule:    %s\n", task.Schedule)
	fmt.Fprintf(t.writer, "Context:     %s\n", task.ContextMode)
	fmt.Fprintf(t.writer, "Status:      %s\n", task.Status)
	fmt.Fprintf(t.writer, "Created:     %s\n", FormatTimestamp(task.CreatedAt))

	if task.NextRunAt != nil {
		fmt.Fprintf(t.writer, "Next run:    %s\n", FormatTimestamp(*task.NextRunAt))
	}
	if task.LastRunAt != nil {
		fmt.Fprintf(t.writer, "Last run:    %s\n", FormatTimestamp(*task.LastRunAt))
		fmt.Fprintf(t.writer, "Last result: %s\n", task.LastResult)
	}
	fmt.Fprintf(t.writer, "Prompt:      %s\n", task.Prompt)

	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN AT\tDURATION\tSTATUS\tRESULT")
	for _, r := range runs {
		result := r.Result
		if r.Status == model.TaskRunStatusError {
			result = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", FormatTimestamp(r.RunAt), r.Duration.Round(time.Second), r.Status, firstLine(result))
	}

	return nil
}

// PrintJobRuns prints the job run history in a table format.
func (t *TablePrinter) PrintJobRuns(runs []model.JobRun) error {
	if len(runs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header.
	fmt.Fprintln(tw, "JOB\tTHREAD\tKIND\tSTATUS\tATTEMPTS\tDURATION\tFINISHED")

	// Print rows.
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.JobID,
			r.ThreadID,
			r.Kind,
			r.Status,
			r.Attempts,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
			TimeAgo(r.FinishedAt),
		)
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func optionalTime(t *time.Time, f func(time.Time) string) string {
	if t == nil {
		return "-"
	}
	return f(*t)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + "..."
		}
	}
	return s
}
