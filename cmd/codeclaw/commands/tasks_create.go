package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/printer"
	"github.com/slok/codeclaw/internal/scheduler"
)

type TasksCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	threadID    string
	cron        string
	interval    time.Duration
	once        string
	prompt      string
	contextMode string
}

// NewTasksCreateCommand returns the tasks create command.
func NewTasksCreateCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksCreateCommand {
	c := &TasksCreateCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("create", "Create a scheduled task.")
	c.Cmd.Flag("thread", "Thread the task runs on.").Required().StringVar(&c.threadID)
	c.Cmd.Flag("cron", "5 field cron expression, evaluated in the configured timezone.").StringVar(&c.cron)
	c.Cmd.Flag("interval", "Fixed interval between runs (e.g. 30m).").DurationVar(&c.interval)
	c.Cmd.Flag("once", "Single run at an RFC3339 timestamp.").StringVar(&c.once)
	c.Cmd.Flag("prompt", "Prompt sent to the agent on every run.").Required().StringVar(&c.prompt)
	c.Cmd.Flag("context-mode", "Resume the thread session or start an isolated one (group, isolated).").Default(string(model.ContextModeIsolated)).EnumVar(&c.contextMode, string(model.ContextModeGroup), string(model.ContextModeIsolated))

	return c
}

func (c TasksCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksCreateCommand) Run(ctx context.Context) error {
	schedule, err := c.schedule()
	if err != nil {
		return err
	}

	svc, repo, err := c.rootCmd.newTaskService(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	task, err := svc.Create(ctx, scheduler.CreateRequest{
		ThreadID:    c.threadID,
		Schedule:    schedule,
		Prompt:      c.prompt,
		ContextMode: model.ContextMode(c.contextMode),
	})
	if err != nil {
		return fmt.Errorf("could not create task: %w", err)
	}

	return printer.NewTablePrinter(c.rootCmd.Stdout).PrintMessage(fmt.Sprintf("Task %s created, next run %s", task.ID, nextRun(task.NextRunAt)))
}

func (c TasksCreateCommand) schedule() (model.Schedule, error) {
	var schedules []model.Schedule
	if c.cron != "" {
		schedules = append(schedules, model.Schedule{Kind: model.ScheduleKindCron, Value: c.cron})
	}
	if c.interval > 0 {
		schedules = append(schedules, model.Schedule{Kind: model.ScheduleKindInterval, Value: strconv.FormatInt(c.interval.Milliseconds(), 10)})
	}
	if c.once != "" {
		schedules = append(schedules, model.Schedule{Kind: model.ScheduleKindOnce, Value: c.once})
	}
	if len(schedules) != 1 {
		return model.Schedule{}, fmt.Errorf("exactly one of --cron, --interval or --once is required")
	}
	return schedules[0], nil
}
