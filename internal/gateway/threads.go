package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/convo"
)

// cmdThreadNew opens a platform thread, registers it as a scope, and
// optionally runs an initial exchange inside it.
func (g *Gateway) cmdThreadNew(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) error {
	if msg.ThreadID != "" {
		g.reply(msg, "⚠️ This command can only be used in text channels that support threads.")
		return nil
	}
	name := msg.Command.Arg("name")
	if name == "" {
		g.reply(msg, "⚠️ Thread name is required.")
		return nil
	}

	ch, ok := g.channels.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("channel %s not registered", msg.Channel)
	}

	var threadID string
	if tc, isCreator := ch.(threadCreator); isCreator {
		id, err := tc.CreateThread(msg.ChannelID, name)
		if err != nil {
			g.reply(msg, fmt.Sprintf("⚠️ Failed to create thread: %v", err))
			return err
		}
		threadID = id
	} else {
		// No platform threads here; mint a local id the resolver can track.
		threadID = uuid.NewString()
	}

	info, err := g.resolver.RegisterThread(msg.ChannelID, threadID, name, g.now())
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	_, _ = ch.Send(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  threadID,
		Content: "✅ Thread created! You can chat with the AI by just sending regular messages in this thread. I'll respond to everything automatically.",
	})

	if initial := msg.Command.Arg("message"); initial != "" {
		noteID, _ := ch.Send(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  threadID,
			Content: fmt.Sprintf("**%s**: %s\n\n_Processing response..._", msg.SenderName, initial),
		})
		reply, err := g.converse(ctx, log, info.ScopeID, convo.UserMessage(msg.SenderName, initial, g.stamp(msg)), msg.Attachments)
		if err != nil {
			g.deliverEdited(ch, msg.Channel, threadID, noteID, warnText(err))
			g.reply(msg, threadReadyText(name))
			return err
		}
		g.deliverEdited(ch, msg.Channel, threadID, noteID, reply)
		g.reply(msg, fmt.Sprintf("✅ Created new thread: **%s** with your initial message. Check the thread for the AI's response!", name))
		return nil
	}

	g.reply(msg, threadReadyText(name))
	return nil
}

func threadReadyText(name string) string {
	return fmt.Sprintf("✅ Created new thread: **%s**\nThe thread is now ready for conversation. All messages in the thread will receive AI responses.", name)
}

const threadNotFoundText = "⚠️ Thread not found. Use `/thread list` to see available threads."

// cmdThreadMessage continues a thread conversation from outside the
// thread, addressing it by alias or id. Replies land where the command
// was issued.
func (g *Gateway) cmdThreadMessage(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) error {
	ref := msg.Command.Arg("id")
	content := msg.Command.Arg("message")

	info, found := g.resolver.LookupThread(msg.ChannelID, ref)
	if !found {
		g.reply(msg, threadNotFoundText)
		return nil
	}

	ch, chOK := g.channels.Get(msg.Channel)
	user := convo.UserMessage(msg.SenderName, content, g.stamp(msg))
	head := fmt.Sprintf("**Thread: %s**\n\n", info.Name)

	if len(msg.Attachments) > 0 {
		embed := &bus.Embed{
			Title:    fmt.Sprintf("Analyzing Image in Thread: %s", info.Name),
			ImageURL: msg.Attachments[0].URL,
			Color:    colorBlue,
			Fields:   []bus.EmbedField{{Name: "File", Value: msg.Attachments[0].Name}},
		}
		if !g.catalog.SupportsVision(ctx, g.router.EffectiveModel(info.ScopeID)) {
			embed.Description = "⚠️ Current model doesn't support image analysis. Consider switching to a vision-capable model."
		}
		g.replyEmbed(msg, fmt.Sprintf("**%s** in **%s**: %s", msg.SenderName, info.Name, content), embed)

		var noteID string
		if chOK {
			noteID, _ = ch.Send(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  destination(msg),
				Content: fmt.Sprintf("Processing response for thread **%s**...", info.Name),
			})
		}
		reply, err := g.converse(ctx, log, info.ScopeID, user, msg.Attachments)
		if !chOK {
			return err
		}
		if err != nil {
			g.deliverEdited(ch, msg.Channel, destination(msg), noteID, warnText(err))
			return err
		}
		g.deliverEdited(ch, msg.Channel, destination(msg), noteID, head+reply)
		return nil
	}

	g.reply(msg, fmt.Sprintf("**%s** in **%s**: %s\n\n_Processing response..._", msg.SenderName, info.Name, content))
	reply, err := g.converse(ctx, log, info.ScopeID, user, nil)
	if err != nil {
		g.send(msg, warnText(err))
		return err
	}
	g.send(msg, head+reply)
	return nil
}

func (g *Gateway) cmdThreadList(msg bus.InboundMessage) error {
	threads := g.resolver.Threads(msg.ChannelID)
	if len(threads) == 0 {
		g.reply(msg, "No active threads in this channel. Create one with `/thread new`")
		return nil
	}

	lines := make([]string, 0, len(threads))
	for _, t := range threads {
		lines = append(lines, fmt.Sprintf("• **%s** (ID: `%s`)\n  Created: %s | Messages: %d",
			t.Name, t.SimpleID, t.CreatedAt.Format("2006-01-02 15:04"), t.Messages))
	}
	g.reply(msg, "**Active Conversation Threads:**\n\n"+strings.Join(lines, "\n")+
		"\n\nUse `/thread message id:<thread_id> message:<your message>` to continue a conversation.")
	return nil
}

func (g *Gateway) cmdThreadDelete(msg bus.InboundMessage) error {
	info, ok := g.resolver.DeleteThread(msg.ChannelID, msg.Command.Arg("id"))
	if !ok {
		g.reply(msg, threadNotFoundText)
		return nil
	}
	g.reply(msg, fmt.Sprintf("✅ Deleted thread: **%s**", info.Name))
	return nil
}

func (g *Gateway) cmdThreadRename(msg bus.InboundMessage) error {
	newName := msg.Command.Arg("name")
	info, ok := g.resolver.RenameThread(msg.ChannelID, msg.Command.Arg("id"), newName)
	if !ok {
		g.reply(msg, threadNotFoundText)
		return nil
	}
	g.reply(msg, fmt.Sprintf("✅ Renamed thread from **%s** to **%s**", info.Name, newName))
	return nil
}

// cmdThreadSetModel pins a model to the current thread. Works from
// inside the thread only; untracked threads are registered on the fly.
func (g *Gateway) cmdThreadSetModel(ctx context.Context, msg bus.InboundMessage) error {
	if msg.ThreadID == "" {
		g.reply(msg, "⚠️ This command can only be used within a thread.")
		return nil
	}
	name := msg.Command.Arg("model_name")
	model, valid := g.validModel(ctx, name)
	if !valid {
		g.modelNotFound(ctx, msg, name)
		return nil
	}

	info, err := g.resolver.RegisterThread(msg.ChannelID, msg.ThreadID, threadNameOf(msg), g.now())
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	g.router.SetScopeModel(info.ScopeID, model)
	g.reply(msg, fmt.Sprintf("✅ Model for this thread set to `%s`", model))
	return nil
}

func (g *Gateway) cmdThreadSetSystem(msg bus.InboundMessage) error {
	if msg.ThreadID == "" {
		g.reply(msg, "⚠️ This command can only be used within a thread.")
		return nil
	}
	prompt := msg.Command.Arg("new_prompt")

	info, err := g.resolver.RegisterThread(msg.ChannelID, msg.ThreadID, threadNameOf(msg), g.now())
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	g.router.SetScopePrompt(info.ScopeID, prompt)
	g.reply(msg, "System prompt for this thread updated!")

	chunks := chunkString(prompt, promptChunkLen)
	if len(chunks) > 1 {
		g.send(msg, fmt.Sprintf("System prompt preview (first part):\n```\n%s\n```", chunks[0]))
	} else {
		g.send(msg, fmt.Sprintf("System prompt set to:\n```\n%s\n```", prompt))
	}
	return nil
}
