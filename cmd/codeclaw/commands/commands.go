package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/codeclaw/internal/config"
	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/mount"
	"github.com/slok/codeclaw/internal/printer"
	"github.com/slok/codeclaw/internal/storage/sqlite"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DataDir    string
	ConfigPath string

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDataDir := filepath.Join(homedir.HomeDir(), conventions.DefaultDataDir)
	app.Flag("data-dir", "Directory with the database, the thread directories and the spools.").Default(defaultDataDir).StringVar(&c.DataDir)
	app.Flag("config", "Path to the YAML configuration file (defaults to <data-dir>/config.yaml).").StringVar(&c.ConfigPath)

	return c
}

// LoadConfig loads the configuration file with the global flags applied. It's not
// validated, so commands can apply their own flags first.
func (r RootCommand) LoadConfig() (config.Config, error) {
	dataDir := mount.ExpandHome(r.DataDir)

	path := r.ConfigPath
	if path == "" {
		path = filepath.Join(dataDir, conventions.ConfigFile)
	}

	cfg, err := config.Load(mount.ExpandHome(path))
	if err != nil {
		return cfg, fmt.Errorf("could not load config: %w", err)
	}

	cfg.DataDir = dataDir
	if cfg.AllowlistPath == "" {
		cfg.AllowlistPath = filepath.Join(dataDir, conventions.AllowlistFile)
	}

	return cfg, nil
}

// OpenRepository opens the SQLite database of the data dir.
func (r RootCommand) OpenRepository(ctx context.Context) (*sqlite.Repository, error) {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: conventions.DBPath(mount.ExpandHome(r.DataDir)),
		Logger: r.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}
	return repo, nil
}

// newPrinter returns the printer of an output format.
func newPrinter(format string, w io.Writer) printer.Printer {
	if format == "json" {
		return printer.NewJSONPrinter(w)
	}
	return printer.NewTablePrinter(w)
}
