package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	utilsfile "github.com/slok/codeclaw/internal/utils/file"
)

// EventSubmitter admits normalized inbound events.
type EventSubmitter interface {
	SubmitEvent(ctx context.Context, ev model.Event) (model.Decision, error)
}

// SpoolConfig is the configuration of the inbound spool.
type SpoolConfig struct {
	// Dir is the inbox directory, every `*.json` file on it is one event.
	Dir          string
	Submitter    EventSubmitter
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       log.Logger
}

func (c *SpoolConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Submitter == nil {
		return fmt.Errorf("submitter is required")
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "inbound.Spool"})
	return nil
}

// Spool feeds the events dropped on a directory to the access gate. Whatever the
// decision, a submitted event file is removed. Malformed files are moved to `errors/`,
// files that fail with a store error stay in place and are retried on the next scan.
type Spool struct {
	errorsDir string
	submitter EventSubmitter
	notifier  *utilsfile.DirNotifier
	clock     clockwork.Clock
	logger    log.Logger
}

// NewSpool creates the inbox directories and starts watching them.
func NewSpool(cfg SpoolConfig) (*Spool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	errorsDir := filepath.Join(cfg.Dir, conventions.ErrorsDir)
	if err := os.MkdirAll(errorsDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create inbox dir: %w", err)
	}

	notifier, err := utilsfile.NewDirNotifier(utilsfile.DirNotifierConfig{
		Dir:          cfg.Dir,
		PollInterval: cfg.PollInterval,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not watch inbox: %w", err)
	}

	return &Spool{
		errorsDir: errorsDir,
		submitter: cfg.Submitter,
		notifier:  notifier,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Run processes the inbox until the context is cancelled or the spool is closed.
func (s *Spool) Run(ctx context.Context) error {
	s.logger.Infof("Watching inbox")
	for {
		if _, err := s.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("Could not process inbox: %s", err)
		}

		if err := s.notifier.Wait(ctx); err != nil {
			if errors.Is(err, utilsfile.ErrNotifierClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// ProcessOnce submits every event file present in the inbox and returns how many
// files were consumed.
func (s *Spool) ProcessOnce(ctx context.Context) (int, error) {
	files, err := s.notifier.List()
	if err != nil {
		return 0, err
	}

	consumed := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}

		ok, err := s.process(ctx, path)
		if err != nil {
			s.logger.Warningf("Event file %s left for retry: %s", filepath.Base(path), err)
			continue
		}
		if ok {
			consumed++
		}
	}

	return consumed, nil
}

func (s *Spool) process(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("could not read event: %w", err)
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warningf("Malformed event file %s: %s", filepath.Base(path), err)
		s.reject(path)
		return true, nil
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.clock.Now().UTC()
	}

	decision, err := s.submitter.SubmitEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, model.ErrStore) || errors.Is(err, context.Canceled) {
			return false, err
		}
		// Anything else will fail again the same way.
		s.logger.Warningf("Event file %s could not be submitted: %s", filepath.Base(path), err)
		s.reject(path)
		return true, nil
	}

	logger := s.logger.WithValues(log.Kv{"delivery-id": ev.DeliveryID, "thread-id": decision.ThreadID})
	switch decision.Kind {
	case model.DecisionAccepted:
		logger.Infof("Event accepted")
	case model.DecisionDuplicate:
		logger.Debugf("Duplicated event ignored")
	default:
		logger.Infof("Event rejected: %s", decision.Reason)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, fmt.Errorf("could not remove event: %w", err)
	}

	return true, nil
}

func (s *Spool) reject(path string) {
	if _, err := utilsfile.MoveToDir(path, s.errorsDir); err != nil {
		s.logger.Errorf("Could not move malformed event %s: %s", path, err)
		_ = os.Remove(path)
	}
}

// Close stops watching the inbox.
func (s *Spool) Close() error {
	return s.notifier.Close()
}
