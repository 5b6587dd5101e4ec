package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codeclaw/internal/printer"
	"github.com/slok/codeclaw/internal/scheduler"
	"github.com/slok/codeclaw/internal/storage/sqlite"
)

const taskRunHistory = 10

// NewTasksCommand returns the tasks parent command.
func NewTasksCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("tasks", "Manage scheduled tasks.")
}

// newTaskService opens the repository and returns a task service on it. The caller must close the repository.
func (r RootCommand) newTaskService(ctx context.Context) (*scheduler.Service, *sqlite.Repository, error) {
	cfg, err := r.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	repo, err := r.OpenRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	svc, err := scheduler.NewService(scheduler.ServiceConfig{
		Repository: repo,
		Location:   cfg.Location(),
		Logger:     r.Logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("could not create task service: %w", err)
	}

	return svc, repo, nil
}

type TasksListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	threadID string
	format   string
}

// NewTasksListCommand returns the tasks list command.
func NewTasksListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksListCommand {
	c := &TasksListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List scheduled tasks.")
	c.Cmd.Flag("thread", "Only list the tasks of this thread.").StringVar(&c.threadID)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TasksListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksListCommand) Run(ctx context.Context) error {
	svc, repo, err := c.rootCmd.newTaskService(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	tasks, err := svc.List(ctx, c.threadID)
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintTasks(tasks)
}

type TasksGetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	format string
}

// NewTasksGetCommand returns the tasks get command.
func NewTasksGetCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksGetCommand {
	c := &TasksGetCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("get", "Show a scheduled task with its latest runs.")
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c TasksGetCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksGetCommand) Run(ctx context.Context) error {
	svc, repo, err := c.rootCmd.newTaskService(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	task, err := svc.Get(ctx, c.id)
	if err != nil {
		return fmt.Errorf("could not get task: %w", err)
	}

	runs, err := svc.Runs(ctx, c.id, taskRunHistory)
	if err != nil {
		return fmt.Errorf("could not list task runs: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintTask(*task, runs)
}

func nextRun(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return printer.FormatTimestamp(*t)
}
