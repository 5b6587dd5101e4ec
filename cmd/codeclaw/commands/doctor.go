package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/codeclaw/internal/config"
	"github.com/slok/codeclaw/internal/container/docker"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("doctor", "Run preflight checks for the daemon.")
	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	var groups []checkGroup

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		groups = append(groups, checkGroup{name: "configuration", results: []model.CheckResult{model.ErrorCheck("config_load", err)}})
	} else {
		groups = append(groups, checkGroup{name: "configuration", results: c.checkConfig(cfg)})
		groups = append(groups, checkGroup{name: "docker runtime", results: c.checkRuntime(ctx, cfg.Container.Image)})
	}
	groups = append(groups, checkGroup{name: "storage", results: c.checkStorage(ctx)})

	out := c.rootCmd.Stdout
	totalWarnings, totalErrors := 0, 0
	for _, cg := range groups {
		fmt.Fprintf(out, "\nChecking %s...\n", cg.name)
		for _, r := range cg.results {
			fmt.Fprintf(out, "  %s %-20s %s\n", getStatusIcon(r.Status), r.ID, r.Message)
		}
		warnings, errors := model.CountByStatus(cg.results)
		totalWarnings += warnings
		totalErrors += errors
	}

	// Summary.
	fmt.Fprintln(out)
	if totalErrors == 0 && totalWarnings == 0 {
		fmt.Fprintln(out, "All checks passed!")
	} else {
		var summary []string
		if totalErrors > 0 {
			summary = append(summary, fmt.Sprintf("%d error(s)", totalErrors))
		}
		if totalWarnings > 0 {
			summary = append(summary, fmt.Sprintf("%d warning(s)", totalWarnings))
		}
		fmt.Fprintln(out, strings.Join(summary, ", "))
	}

	if totalErrors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", totalErrors)
	}

	return nil
}

func (c DoctorCommand) checkConfig(cfg config.Config) []model.CheckResult {
	results := []model.CheckResult{model.OKCheck("config_load", "Config loaded")}

	if err := cfg.Validate(); err != nil {
		results = append(results, model.ErrorCheck("config_valid", err))
	} else {
		results = append(results, model.OKCheck("config_valid", "Config is valid"))
	}

	if _, err := mount.LoadAllowlist(cfg.AllowlistPath); err != nil {
		results = append(results, model.ErrorCheck("mount_allowlist", err))
	} else {
		results = append(results, model.OKCheck("mount_allowlist", fmt.Sprintf("Allowlist %s loaded", cfg.AllowlistPath)))
	}

	return results
}

func (c DoctorCommand) checkRuntime(ctx context.Context, image string) []model.CheckResult {
	rt, err := docker.NewRuntime(docker.RuntimeConfig{Logger: c.rootCmd.Logger})
	if err != nil {
		return []model.CheckResult{model.ErrorCheck("docker_client", err)}
	}

	results := rt.Check(ctx)
	if image != "" && !hasErrors(results) {
		results = append(results, rt.CheckImage(ctx, image))
	}
	return results
}

func (c DoctorCommand) checkStorage(ctx context.Context) []model.CheckResult {
	repo, err := c.rootCmd.OpenRepository(ctx)
	if err != nil {
		return []model.CheckResult{model.ErrorCheck("sqlite_open", err)}
	}
	defer repo.Close()

	version, err := repo.SchemaVersion(ctx)
	if err != nil {
		return []model.CheckResult{model.ErrorCheck("sqlite_schema", err)}
	}
	return []model.CheckResult{model.OKCheck("sqlite_schema", fmt.Sprintf("Schema version %d", version))}
}

type checkGroup struct {
	name    string
	results []model.CheckResult
}

func getStatusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}

func hasErrors(results []model.CheckResult) bool {
	_, errors := model.CountByStatus(results)
	return errors > 0
}
