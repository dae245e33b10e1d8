// Package channel holds the chat adapters: Discord for the daemon and
// a console REPL for local sessions. Adapters turn platform events into
// bus messages and deliver the gateway's replies back out.
package channel

import (
	"context"

	"github.com/lorehaven/scribe/internal/bus"
)

// Channel is one chat surface. Send returns the platform id of the
// delivered message so long-running handlers can edit it in place via
// Edit; adapters without editable messages return an empty id.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) (string, error)
	Edit(chatID, messageID, content string) error
}

// BaseChannel carries the pieces every adapter needs: its name, the
// bus, and the sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether a sender may talk to the bot. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, id := range c.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}
