package printer

import "github.com/slok/codeclaw/internal/model"

// Printer knows how to print codeclaw information in different formats.
type Printer interface {
	PrintTasks(tasks []model.ScheduledTask) error
	PrintTask(task model.ScheduledTask, runs []model.TaskRun) error
	PrintJobRuns(runs []model.JobRun) error
	PrintMessage(msg string) error
}

var (
	_ Printer = &TablePrinter{}
	_ Printer = &JSONPrinter{}
)
