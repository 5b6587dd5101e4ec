package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type RunsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	threadID string
	limit    int
	format   string
}

// NewRunsCommand returns the runs command.
func NewRunsCommand(rootCmd *RootCommand, app *kingpin.Application) *RunsCommand {
	c := &RunsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("runs", "List the latest job runs.")
	c.Cmd.Flag("thread", "Only list the runs of this thread.").StringVar(&c.threadID)
	c.Cmd.Flag("limit", "Maximum number of runs.").Default("20").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c RunsCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunsCommand) Run(ctx context.Context) error {
	repo, err := c.rootCmd.OpenRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.ListJobRuns(ctx, c.threadID, c.limit)
	if err != nil {
		return fmt.Errorf("could not list job runs: %w", err)
	}

	return newPrinter(c.format, c.rootCmd.Stdout).PrintJobRuns(runs)
}
