package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/channel"
	"github.com/lorehaven/scribe/internal/convo"
	"github.com/lorehaven/scribe/internal/llm"
)

// discordMessageLimit is the platform cap replies are chunked against.
const discordMessageLimit = 2000

// converse records the user turn, assembles the scope's context window,
// and asks the model for a reply. The assistant turn is recorded only
// on success, so failed calls never leave error text in the history.
func (g *Gateway) converse(ctx context.Context, log zerolog.Logger, scopeID string, user convo.Message, atts []bus.Attachment) (string, error) {
	msgs, err := g.builder.Build(scopeID, user)
	if err != nil {
		return "", err
	}

	model := g.router.EffectiveModel(scopeID)
	req := llm.Request{
		Messages:     msgs,
		Model:        model,
		SystemPrompt: g.router.EffectiveSystemPrompt(scopeID),
	}
	if len(atts) > 0 && g.catalog.SupportsVision(ctx, model) {
		for _, a := range atts {
			if len(a.Data) == 0 {
				continue
			}
			req.Images = append(req.Images, llm.ImageAttachment{Name: a.Name, MIME: a.MIME, Data: a.Data})
		}
	}

	start := time.Now()
	reply, err := g.completer.Send(ctx, req)
	if err != nil {
		g.metrics.RecordLLMRequest(model, "error", time.Since(start))
		return "", err
	}
	g.metrics.RecordLLMRequest(model, "ok", time.Since(start))

	if err := g.store.Append(scopeID, convo.AssistantMessage(reply, g.now())); err != nil {
		log.Warn().Err(err).Str("scope", scopeID).Msg("record assistant turn failed")
	}
	return reply, nil
}

// handleMention answers @-mentions in ordinary channels. A bare mention
// with no text still gets a greeting turn sent to the model.
func (g *Gateway) handleMention(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		content = "Hello!"
	}

	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID})
	if err != nil {
		log.Error().Err(err).Msg("resolve channel scope failed")
		return
	}

	reply, err := g.converse(ctx, log, res.Scope.ID, convo.UserMessage(msg.SenderName, content, g.stamp(msg)), msg.Attachments)
	if err != nil {
		log.Error().Err(err).Msg("mention completion failed")
		g.send(msg, warnText(err))
		return
	}
	g.send(msg, reply)
}

// handleThreadMessage answers plain messages inside managed threads.
// Unknown threads are ignored unless the parent channel has an active
// adventure, in which case the thread is adopted as a new scope.
func (g *Gateway) handleThreadMessage(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) {
	res, err := g.resolver.Resolve(convo.ResolveInput{
		ChannelID:  msg.ChannelID,
		ThreadID:   msg.ThreadID,
		ThreadName: threadNameOf(msg),
	})
	if err != nil {
		if errors.Is(err, convo.ErrUnmanaged) {
			log.Debug().Str("thread", msg.ThreadID).Msg("ignoring unmanaged thread")
			return
		}
		log.Error().Err(err).Msg("resolve thread scope failed")
		return
	}
	if res.Adopted {
		log.Info().Str("scope", res.Scope.ID).Str("thread", msg.ThreadID).Msg("adopted thread into managed scope")
	}

	ch, ok := g.channels.Get(msg.Channel)
	if !ok {
		log.Error().Str("channel", msg.Channel).Msg("channel not registered")
		return
	}
	noteID, err := ch.Send(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ThreadID,
		Content: fmt.Sprintf("Thinking about: '%s'...", msg.Content),
	})
	if err != nil {
		log.Error().Err(err).Msg("send thinking note failed")
	}

	reply, err := g.converse(ctx, log, res.Scope.ID, convo.UserMessage(msg.SenderName, msg.Content, g.stamp(msg)), msg.Attachments)
	if err != nil {
		log.Error().Err(err).Msg("thread completion failed")
		g.deliverEdited(ch, msg.Channel, msg.ThreadID, noteID, warnText(err))
		return
	}
	g.deliverEdited(ch, msg.Channel, msg.ThreadID, noteID, reply)
}

// deliverEdited replaces a placeholder note with the reply, overflowing
// past the platform limit into follow-up messages. Channels that do not
// report message ids get the whole reply as a fresh send.
func (g *Gateway) deliverEdited(ch channel.Channel, channelName, chatID, noteID, reply string) {
	if noteID == "" {
		_, _ = ch.Send(bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: reply})
		return
	}
	first, rest := splitFirst(reply, discordMessageLimit)
	if err := ch.Edit(chatID, noteID, first); err != nil {
		g.log.Warn().Err(err).Msg("edit placeholder failed")
		_, _ = ch.Send(bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: first})
	}
	if rest != "" {
		_, _ = ch.Send(bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: rest})
	}
}

// cmdChat handles /chat: echo the prompt so the channel can see it,
// park a processing note, then edit the note into the reply.
func (g *Gateway) cmdChat(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) error {
	content := msg.Command.Arg("message")
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, ThreadName: threadNameOf(msg)})
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	echo := fmt.Sprintf("**%s**: %s", msg.SenderName, content)
	if len(msg.Attachments) > 0 {
		embed := &bus.Embed{
			Title:    "Analyzing Image",
			ImageURL: msg.Attachments[0].URL,
			Color:    colorBlue,
			Fields:   []bus.EmbedField{{Name: "File", Value: msg.Attachments[0].Name}},
		}
		if !g.catalog.SupportsVision(ctx, g.router.EffectiveModel(res.Scope.ID)) {
			embed.Description = "⚠️ Current model doesn't support image analysis. Consider switching to a vision-capable model."
		}
		g.replyEmbed(msg, echo, embed)
	} else {
		g.reply(msg, echo)
	}

	ch, ok := g.channels.Get(msg.Channel)
	var noteID string
	if ok {
		noteID, _ = ch.Send(bus.OutboundMessage{Channel: msg.Channel, ChatID: destination(msg), Content: "Processing response..."})
	}

	reply, err := g.converse(ctx, log, res.Scope.ID, convo.UserMessage(msg.SenderName, content, g.stamp(msg)), msg.Attachments)
	if !ok {
		return err
	}
	if err != nil {
		g.deliverEdited(ch, msg.Channel, destination(msg), noteID, warnText(err))
		return err
	}
	g.deliverEdited(ch, msg.Channel, destination(msg), noteID, reply)
	return nil
}

// cmdReset clears the channel's history.
func (g *Gateway) cmdReset(msg bus.InboundMessage) error {
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, ThreadName: threadNameOf(msg)})
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	if g.store.Clear(res.Scope.ID) {
		g.reply(msg, "The conversation history for this channel has been reset.")
	} else {
		g.reply(msg, "No conversation history found for this channel.")
	}
	return nil
}

// cmdMemory reports how much history the channel currently holds.
func (g *Gateway) cmdMemory(msg bus.InboundMessage) error {
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, ThreadName: threadNameOf(msg)})
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	history := g.store.History(res.Scope.ID)
	if len(history) == 0 {
		g.reply(msg, "No conversation history found for this channel.")
		return nil
	}
	g.reply(msg, fmt.Sprintf("Currently storing %d messages for this channel, spanning up to %d hours.",
		len(history), g.store.TimeWindowHours()))
	return nil
}

// cmdSummarize condenses the channel's window into bullet points. The
// summary is not recorded back into the history.
func (g *Gateway) cmdSummarize(ctx context.Context, msg bus.InboundMessage) error {
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, ThreadName: threadNameOf(msg)})
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	window := g.builder.Window(res.Scope.ID)
	if len(window) == 0 {
		g.reply(msg, "No conversation history to summarize.")
		return nil
	}

	g.reply(msg, "Generating conversation summary...")

	contents := make([]string, 0, len(window))
	for _, m := range window {
		contents = append(contents, m.Content)
	}
	model := g.router.EffectiveModel(res.Scope.ID)
	start := time.Now()
	summary, err := g.completer.Send(ctx, llm.Request{
		Model:        model,
		SystemPrompt: g.promptLib.Summarizer,
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: strings.Join(contents, "\n")}},
	})
	if err != nil {
		g.metrics.RecordLLMRequest(model, "error", time.Since(start))
		g.send(msg, warnText(err))
		return err
	}
	g.metrics.RecordLLMRequest(model, "ok", time.Since(start))
	g.send(msg, fmt.Sprintf("**Conversation Summary:**\n%s", summary))
	return nil
}

// send pushes a plain message to the conversation without any reply
// reference, for follow-ups after an interaction has been settled.
func (g *Gateway) send(msg bus.InboundMessage, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		Content: content,
	}
}

// sendEmbed posts an embed as a follow-up, without settling the
// originating interaction.
func (g *Gateway) sendEmbed(msg bus.InboundMessage, content string, e *bus.Embed) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		Content: content,
		Embed:   e,
	}
}

// stamp picks the platform timestamp when present, otherwise now.
func (g *Gateway) stamp(msg bus.InboundMessage) time.Time {
	if !msg.Timestamp.IsZero() {
		return msg.Timestamp
	}
	return g.now()
}

// warnText formats a backend failure the way users see it.
func warnText(err error) string {
	return fmt.Sprintf("⚠️ %v", err)
}

// splitFirst cuts s at the platform limit, preferring a newline break
// and never splitting inside a rune, and returns the head plus the
// remainder.
func splitFirst(s string, limit int) (string, string) {
	if len(s) <= limit {
		return s, ""
	}
	cut := strings.LastIndex(s[:limit], "\n")
	if cut <= 0 {
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut], strings.TrimPrefix(s[cut:], "\n")
}
