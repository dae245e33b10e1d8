package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/lorehaven/scribe/internal/bus"
)

const consoleChannelName = "console"

// consoleScope is the synthetic channel id local sessions talk in.
const consoleScope = "console"

// consoleArgNames maps each command to its positional option order for
// REPL input like "/thread message ab3k2 hello there". The final name
// swallows the rest of the line.
var consoleArgNames = map[string][]string{
	"chat":               {"message"},
	"summarize_url":      {"url"},
	"model":              {"new_model"},
	"setmodel":           {"model_name"},
	"setsystem":          {"new_prompt"},
	"setmemory":          {"size"},
	"setwindow":          {"hours"},
	"setchannelmodel":    {"model_name"},
	"setchannelsystem":   {"new_prompt"},
	"thread new":         {"name", "message"},
	"thread message":     {"id", "message"},
	"thread delete":      {"id"},
	"thread rename":      {"id", "name"},
	"thread setmodel":    {"model_name"},
	"thread setsystem":   {"new_prompt"},
	"adventure start":    {"setting", "description"},
	"adventure action":   {"action"},
	"adventure roll":     {"dice"},
	"imagine":            {"prompt"},
	"dream":              {"prompt"},
}

// commandGroups take a subcommand as their first token.
var commandGroups = map[string]bool{"thread": true, "adventure": true}

// ConsoleChannel is the local REPL surface behind `scribe chat`.
// Assistant replies render as markdown via glamour.
type ConsoleChannel struct {
	BaseChannel
	in       io.Reader
	out      io.Writer
	renderer *glamour.TermRenderer
	cancel   context.CancelFunc
	quit     func()
}

func NewConsoleChannel(b *bus.MessageBus, in io.Reader, out io.Writer) *ConsoleChannel {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		renderer = nil
	}
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel(consoleChannelName, b, nil),
		in:          in,
		out:         out,
		renderer:    renderer,
	}
}

// OnQuit registers fn to run when the read loop ends, whether by
// /quit, end of input, or a read error. Set it before Start.
func (c *ConsoleChannel) OnQuit(fn func()) {
	c.quit = fn
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	fmt.Fprintln(c.out, "scribe console. Type a message, /command, or /quit.")
	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	if c.quit != nil {
		defer c.quit()
	}
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprint(c.out, "> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "> ")
			continue
		}
		if line == "/quit" || line == "/exit" {
			fmt.Fprintln(c.out, "bye")
			return
		}

		msg := bus.InboundMessage{
			Channel:    consoleChannelName,
			SenderID:   "local",
			SenderName: "You",
			ChannelID:  consoleScope,
			Content:    line,
			Timestamp:  time.Now(),
			Mention:    true,
		}
		if cmd := parseConsoleCommand(line); cmd != nil {
			msg.Command = cmd
			msg.Content = cmd.Arg("message")
			msg.Mention = false
		}

		select {
		case c.bus.Inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// parseConsoleCommand turns a "/name args..." line into a Command,
// assigning whitespace-separated tokens to the command's option names
// in order. Returns nil for plain chat lines.
func parseConsoleCommand(line string) *bus.Command {
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return nil
	}

	name := fields[0]
	rest := fields[1:]
	if commandGroups[name] && len(rest) > 0 {
		name = name + " " + rest[0]
		rest = rest[1:]
	}

	args := make(map[string]string)
	names := consoleArgNames[name]
	for i, argName := range names {
		if i >= len(rest) {
			break
		}
		if i == len(names)-1 {
			args[argName] = strings.Join(rest[i:], " ")
		} else {
			args[argName] = rest[i]
		}
	}
	return &bus.Command{Name: name, Args: args}
}

func (c *ConsoleChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *ConsoleChannel) Send(msg bus.OutboundMessage) (string, error) {
	text := msg.Content
	if msg.Embed != nil {
		text = flattenEmbed(msg.Embed, text)
	}
	if rendered := c.render(text); rendered != "" {
		text = rendered
	}
	fmt.Fprintln(c.out, text)
	if msg.ImageURL != "" {
		fmt.Fprintf(c.out, "[image] %s\n", msg.ImageURL)
	}
	if len(msg.ImageData) > 0 {
		fmt.Fprintf(c.out, "[image] %d bytes (%s)\n", len(msg.ImageData), imageName(msg))
	}
	fmt.Fprint(c.out, "> ")
	return "", nil
}

// Edit has no in-place story on a terminal; progress lines print anew.
func (c *ConsoleChannel) Edit(chatID, messageID, content string) error {
	fmt.Fprintln(c.out, content)
	return nil
}

func (c *ConsoleChannel) render(text string) string {
	if c.renderer == nil {
		return ""
	}
	rendered, err := c.renderer.Render(text)
	if err != nil {
		return ""
	}
	return strings.TrimRight(rendered, "\n")
}

// flattenEmbed folds a rich embed into markdown for terminals.
func flattenEmbed(e *bus.Embed, body string) string {
	var sb strings.Builder
	if body != "" {
		sb.WriteString(body)
		sb.WriteString("\n\n")
	}
	if e.Title != "" {
		sb.WriteString("## ")
		sb.WriteString(e.Title)
		sb.WriteString("\n\n")
	}
	if e.URL != "" {
		sb.WriteString("<")
		sb.WriteString(e.URL)
		sb.WriteString(">\n")
	}
	if e.Description != "" {
		sb.WriteString(e.Description)
		sb.WriteString("\n")
	}
	for _, f := range e.Fields {
		sb.WriteString("\n**")
		sb.WriteString(f.Name)
		sb.WriteString("**: ")
		sb.WriteString(f.Value)
	}
	if e.ImageURL != "" {
		sb.WriteString("\n[image] ")
		sb.WriteString(e.ImageURL)
	}
	if e.Footer != "" {
		sb.WriteString("\n\n_")
		sb.WriteString(e.Footer)
		sb.WriteString("_")
	}
	return sb.String()
}
