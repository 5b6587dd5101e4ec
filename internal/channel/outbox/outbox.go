package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
)

// EntryKind is the kind of an outbox entry.
type EntryKind string

const (
	EntryKindMessage EntryKind = "message"
	EntryKindReview  EntryKind = "review"
)

// Entry is one line of a thread outbox file.
type Entry struct {
	ID        string             `json:"id"`
	Kind      EntryKind          `json:"kind"`
	CreatedAt time.Time          `json:"createdAt"`
	Message   *model.ChatMessage `json:"message,omitempty"`
	Review    *model.Review      `json:"review,omitempty"`
}

// ChannelConfig is the configuration of the outbox channel.
type ChannelConfig struct {
	// Dir is the outbox directory, one JSON lines file per thread.
	Dir    string
	Clock  clockwork.Clock
	Logger log.Logger
}

func (c *ChannelConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "channel.Outbox"})
	return nil
}

// Channel appends the outbound messages to per thread JSON lines files so an
// external poster can deliver them.
type Channel struct {
	dir    string
	clock  clockwork.Clock
	logger log.Logger
	mu     sync.Mutex
}

// NewChannel returns a new outbox channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create outbox dir: %w", err)
	}

	return &Channel{
		dir:    cfg.Dir,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// PostMessage satisfies channel.Channel.
func (c *Channel) PostMessage(ctx context.Context, msg model.ChatMessage) error {
	if err := model.ValidateThreadID(msg.ThreadID); err != nil {
		return err
	}
	if msg.Text == "" {
		return fmt.Errorf("message text is required: %w", model.ErrNotValid)
	}

	return c.append(msg.ThreadID, Entry{Kind: EntryKindMessage, Message: &msg})
}

// PostReview satisfies channel.Channel.
func (c *Channel) PostReview(ctx context.Context, review model.Review) error {
	if err := model.ValidateThreadID(review.ThreadID); err != nil {
		return err
	}
	if err := review.Validate(); err != nil {
		return err
	}

	return c.append(review.ThreadID, Entry{Kind: EntryKindReview, Review: &review})
}

func (c *Channel) append(threadID string, e Entry) error {
	e.ID = ulid.Make().String()
	e.CreatedAt = c.clock.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not marshal entry: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path(threadID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open outbox: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("could not write outbox: %w", err)
	}

	c.logger.WithValues(log.Kv{"thread-id": threadID, "kind": e.Kind}).Debugf("Outbox entry %s written", e.ID)
	return nil
}

// Entries returns the entries of a thread outbox in order.
func (c *Channel) Entries(threadID string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path(threadID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("could not open outbox: %w", err)
	}
	defer f.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("invalid outbox line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read outbox: %w", err)
	}

	return entries, nil
}

func (c *Channel) path(threadID string) string {
	return filepath.Join(c.dir, threadID+".jsonl")
}
