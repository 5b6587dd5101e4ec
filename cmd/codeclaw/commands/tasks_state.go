package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codeclaw/internal/printer"
)

// taskAction is a task command that only needs the task ID.
type taskAction string

const (
	taskActionPause  taskAction = "pause"
	taskActionResume taskAction = "resume"
	taskActionCancel taskAction = "cancel"
)

type TasksStateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	action taskAction
	id     string
}

// NewTasksPauseCommand returns the tasks pause command.
func NewTasksPauseCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksStateCommand {
	return newTasksStateCommand(rootCmd, parent, taskActionPause, "Pause an active task.")
}

// NewTasksResumeCommand returns the tasks resume command.
func NewTasksResumeCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksStateCommand {
	return newTasksStateCommand(rootCmd, parent, taskActionResume, "Resume a paused task.")
}

// NewTasksCancelCommand returns the tasks cancel command.
func NewTasksCancelCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksStateCommand {
	return newTasksStateCommand(rootCmd, parent, taskActionCancel, "Cancel and delete a task.")
}

func newTasksStateCommand(rootCmd *RootCommand, parent *kingpin.CmdClause, action taskAction, help string) *TasksStateCommand {
	c := &TasksStateCommand{rootCmd: rootCmd, action: action}

	c.Cmd = parent.Command(string(action), help)
	c.Cmd.Arg("id", "Task ID.").Required().StringVar(&c.id)

	return c
}

func (c TasksStateCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksStateCommand) Run(ctx context.Context) error {
	svc, repo, err := c.rootCmd.newTaskService(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	var msg string
	switch c.action {
	case taskActionPause:
		task, err := svc.Pause(ctx, c.id)
		if err != nil {
			return fmt.Errorf("could not pause task: %w", err)
		}
		msg = fmt.Sprintf("Task %s paused", task.ID)
	case taskActionResume:
		task, err := svc.Resume(ctx, c.id)
		if err != nil {
			return fmt.Errorf("could not resume task: %w", err)
		}
		msg = fmt.Sprintf("Task %s resumed, next run %s", task.ID, nextRun(task.NextRunAt))
	case taskActionCancel:
		if err := svc.Cancel(ctx, c.id); err != nil {
			return fmt.Errorf("could not cancel task: %w", err)
		}
		msg = fmt.Sprintf("Task %s cancelled", c.id)
	default:
		return fmt.Errorf("unknown task action %q", c.action)
	}

	return printer.NewTablePrinter(c.rootCmd.Stdout).PrintMessage(msg)
}
