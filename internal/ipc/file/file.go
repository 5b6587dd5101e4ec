package file

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
	"github.com/slok/codeclaw/internal/ipc"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
	utilsfile "github.com/slok/codeclaw/internal/utils/file"
)

// MailboxConfig is the configuration of the file mailbox.
type MailboxConfig struct {
	// Dir is the thread mailbox directory, mounted in the container.
	Dir          string
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       log.Logger
}

func (c *MailboxConfig) defaults() error {
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ipc.FileMailbox"})
	return nil
}

// Mailbox is an ipc.Mailbox on a directory shared with the container. The container
// writes one JSON file per record in `requests/`, the host answers each tool call
// with `responses/<correlationId>.json`. Files are written with a temp file and a
// rename so partial files are never read. Malformed files are moved to `errors/`.
type Mailbox struct {
	requestsDir  string
	responsesDir string
	errorsDir    string
	notifier     *utilsfile.DirNotifier
	pending      []string
	logger       log.Logger
}

var _ ipc.Mailbox = &Mailbox{}

// NewMailbox creates the mailbox directories and starts watching for requests.
func NewMailbox(cfg MailboxConfig) (*Mailbox, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Mailbox{
		requestsDir:  filepath.Join(cfg.Dir, conventions.IPCRequestsDir),
		responsesDir: filepath.Join(cfg.Dir, conventions.IPCResponsesDir),
		errorsDir:    filepath.Join(cfg.Dir, conventions.ErrorsDir),
		logger:       cfg.Logger,
	}
	for _, dir := range []string{m.requestsDir, m.responsesDir, m.errorsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create mailbox dir: %w", err)
		}
	}

	notifier, err := utilsfile.NewDirNotifier(utilsfile.DirNotifierConfig{
		Dir:          m.requestsDir,
		PollInterval: cfg.PollInterval,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not watch requests: %w", err)
	}
	m.notifier = notifier

	return m, nil
}

// Receive satisfies ipc.Mailbox.
func (m *Mailbox) Receive(ctx context.Context) (model.IPCMessage, error) {
	for {
		if len(m.pending) == 0 {
			files, err := m.notifier.List()
			if err != nil {
				return model.IPCMessage{}, err
			}
			m.pending = files
		}

		for len(m.pending) > 0 {
			path := m.pending[0]
			m.pending = m.pending[1:]

			msg, err := m.read(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return model.IPCMessage{}, err
			}
			return msg, nil
		}

		if err := m.notifier.Wait(ctx); err != nil {
			if errors.Is(err, utilsfile.ErrNotifierClosed) {
				return model.IPCMessage{}, ipc.ErrMailboxClosed
			}
			return model.IPCMessage{}, err
		}
	}
}

func (m *Mailbox) read(path string) (model.IPCMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.IPCMessage{}, err
	}

	var msg model.IPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.reject(path)
		return model.IPCMessage{}, fmt.Errorf("malformed request %s: %s: %w", filepath.Base(path), err, model.ErrIPCProtocol)
	}

	if err := os.Remove(path); err != nil {
		return model.IPCMessage{}, fmt.Errorf("could not remove request: %w", err)
	}

	return msg, nil
}

func (m *Mailbox) reject(path string) {
	if _, err := utilsfile.MoveToDir(path, m.errorsDir); err != nil {
		m.logger.Errorf("Could not move malformed request %s: %s", path, err)
		_ = os.Remove(path)
	}
}

// Send satisfies ipc.Mailbox.
func (m *Mailbox) Send(ctx context.Context, msg model.IPCMessage) error {
	if err := ipc.ValidateCorrelationID(msg.CorrelationID); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not marshal response: %w", err)
	}

	path := filepath.Join(m.responsesDir, msg.CorrelationID+".json")
	if err := utilsfile.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write response: %w", err)
	}

	return nil
}

// Close satisfies ipc.Mailbox.
func (m *Mailbox) Close() error {
	return m.notifier.Close()
}
