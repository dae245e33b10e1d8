// Package bus carries messages between chat adapters and the gateway.
// Adapters push InboundMessage onto the bus; the gateway replies with
// OutboundMessage, fanned out to the adapter named in Channel.
package bus

import "time"

// Attachment is a file the sender attached to a message. Adapters
// download image payloads eagerly so downstream consumers never touch
// the platform CDN themselves.
type Attachment struct {
	Name string
	MIME string
	URL  string
	Data []byte
}

// Command is a parsed slash command. Args holds option values keyed by
// option name; Discord guarantees option names are unique per command.
type Command struct {
	Name string
	Args map[string]string
}

// Arg returns the named option value, or empty string when absent.
func (c *Command) Arg(name string) string {
	if c == nil || c.Args == nil {
		return ""
	}
	return c.Args[name]
}

type InboundMessage struct {
	Channel     string
	SenderID    string
	SenderName  string
	ChannelID   string
	ThreadID    string
	GuildID     string
	Content     string
	Timestamp   time.Time
	Attachments []Attachment
	Mention     bool
	Command     *Command
	Metadata    map[string]any
}

// ReplyTag returns the platform handle replies should reference: the
// interaction id for slash commands, the message id otherwise.
func (m *InboundMessage) ReplyTag() string {
	for _, key := range []string{"interaction_id", "message_id"} {
		if v, ok := m.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (m *InboundMessage) SessionKey() string {
	if m.ThreadID != "" {
		return m.Channel + ":" + m.ChannelID + ":" + m.ThreadID
	}
	return m.Channel + ":" + m.ChannelID
}

// EmbedField is one name/value pair rendered inside an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a platform-neutral rich reply. Adapters that cannot render
// embeds flatten it to text.
type Embed struct {
	Title       string
	Description string
	URL         string
	Fields      []EmbedField
	ImageURL    string
	Footer      string
	Color       int
}

type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	ReplyTo   string
	Embed     *Embed
	ImageURL  string
	ImageData []byte
	ImageName string
}
