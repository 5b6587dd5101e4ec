package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/slok/codeclaw/internal/log"
)

// ErrNotifierClosed is returned by Wait once the notifier is closed.
var ErrNotifierClosed = errors.New("notifier closed")

// DirNotifierConfig is the configuration of a DirNotifier.
type DirNotifierConfig struct {
	Dir string
	// PollInterval is the fallback rescan interval, used also when the
	// filesystem notifications are not available.
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       log.Logger
}

func (c *DirNotifierConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "file.DirNotifier", "dir": c.Dir})
	return nil
}

// DirNotifier tells when a directory may have new JSON files.
type DirNotifier struct {
	dir       string
	watcher   *fsnotify.Watcher
	ticker    clockwork.Ticker
	logger    log.Logger
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDirNotifier creates the directory if missing and starts watching it.
func NewDirNotifier(cfg DirNotifierConfig) (*DirNotifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create directory: %w", err)
	}

	// Without notifications we only poll.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(cfg.Dir); err != nil {
			_ = watcher.Close()
			watcher = nil
		}
	}
	if err != nil {
		cfg.Logger.Warningf("Filesystem notifications not available, polling every %s: %s", cfg.PollInterval, err)
	}

	return &DirNotifier{
		dir:     cfg.Dir,
		watcher: watcher,
		ticker:  cfg.Clock.NewTicker(cfg.PollInterval),
		logger:  cfg.Logger,
		closed:  make(chan struct{}),
	}, nil
}

// List returns the JSON files ready to be read, sorted by name.
func (d *DirNotifier) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("could not read directory: %w", err)
	}

	files := []string{}
	for _, e := range entries {
		if e.IsDir() || IsTemp(e.Name()) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(d.dir, e.Name()))
	}
	sort.Strings(files)

	return files, nil
}

// Wait blocks until the directory changes or the poll interval elapses.
func (d *DirNotifier) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if d.watcher != nil {
		events = d.watcher.Events
		errs = d.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return ErrNotifierClosed
		case <-d.ticker.Chan():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Warningf("Filesystem notification error: %s", err)
		}
	}
}

// Close stops watching.
func (d *DirNotifier) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.ticker.Stop()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
	})
	return nil
}
