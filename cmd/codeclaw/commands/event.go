package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/ulid/v2"

	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/mount"
	"github.com/slok/codeclaw/internal/printer"
	utilsfile "github.com/slok/codeclaw/internal/utils/file"
)

// EventCommand drops an event in the inbox of a running daemon.
type EventCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	threadRef  string
	actor      string
	permission string
	external   bool
	kind       string
	deliveryID string
	payload    string
}

// NewEventCommand returns the event command.
func NewEventCommand(rootCmd *RootCommand, app *kingpin.Application) *EventCommand {
	c := &EventCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("event", "Submit an event to the daemon inbox.")
	c.Cmd.Flag("thread", "External thread reference (e.g. owner/repo#42).").Required().StringVar(&c.threadRef)
	c.Cmd.Flag("actor", "Actor of the event.").Required().StringVar(&c.actor)
	c.Cmd.Flag("permission", "Repository permission of the actor.").Default(string(model.PermissionWrite)).StringVar(&c.permission)
	c.Cmd.Flag("external", "The actor is outside the repository organization.").BoolVar(&c.external)
	c.Cmd.Flag("kind", "Event kind.").Default("comment").StringVar(&c.kind)
	c.Cmd.Flag("delivery-id", "Delivery ID, a new one is generated by default.").StringVar(&c.deliveryID)
	c.Cmd.Arg("payload", "Message content.").Required().StringVar(&c.payload)

	return c
}

func (c EventCommand) Name() string { return c.Cmd.FullCommand() }

func (c EventCommand) Run(ctx context.Context) error {
	deliveryID := c.deliveryID
	if deliveryID == "" {
		deliveryID = ulid.Make().String()
	}

	ev := model.Event{
		Kind:       c.kind,
		ThreadRef:  c.threadRef,
		Actor:      c.actor,
		Permission: model.PermissionLevel(c.permission),
		External:   c.external,
		Payload:    c.payload,
		DeliveryID: deliveryID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("could not marshal event: %w", err)
	}

	path := filepath.Join(conventions.InboxPath(mount.ExpandHome(c.rootCmd.DataDir)), deliveryID+".json")
	if err := utilsfile.WriteAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("could not write event: %w", err)
	}

	return printer.NewTablePrinter(c.rootCmd.Stdout).PrintMessage(fmt.Sprintf("Event %s queued in %s", deliveryID, path))
}
