package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/config"
)

const discordChannelName = "discord"

// Discord rejects messages over 2000 characters.
const discordMaxMessageLen = 2000

// DiscordSession is the slice of the Discord API the adapter uses,
// kept small so tests can substitute a mock.
type DiscordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand) ([]*discordgo.ApplicationCommand, error)
	ChannelMessageSend(channelID, content string) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string) (*discordgo.Message, error)
	Channel(channelID string) (*discordgo.Channel, error)
	ThreadStart(channelID, name string, archiveDuration int) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error
	InteractionResponseEdit(interaction *discordgo.Interaction, edit *discordgo.WebhookEdit) (*discordgo.Message, error)
	Me() *discordgo.User
}

// dgSession wraps *discordgo.Session to implement DiscordSession.
type dgSession struct {
	s *discordgo.Session
}

func (w *dgSession) Open() error  { return w.s.Open() }
func (w *dgSession) Close() error { return w.s.Close() }

func (w *dgSession) AddHandler(handler interface{}) func() {
	return w.s.AddHandler(handler)
}

func (w *dgSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand) ([]*discordgo.ApplicationCommand, error) {
	return w.s.ApplicationCommandBulkOverwrite(appID, guildID, commands)
}

func (w *dgSession) ChannelMessageSend(channelID, content string) (*discordgo.Message, error) {
	return w.s.ChannelMessageSend(channelID, content)
}

func (w *dgSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return w.s.ChannelMessageSendComplex(channelID, data)
}

func (w *dgSession) ChannelMessageEdit(channelID, messageID, content string) (*discordgo.Message, error) {
	return w.s.ChannelMessageEdit(channelID, messageID, content)
}

// Channel consults the state cache first and falls back to the API.
func (w *dgSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := w.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return w.s.Channel(channelID)
}

func (w *dgSession) ThreadStart(channelID, name string, archiveDuration int) (*discordgo.Channel, error) {
	return w.s.ThreadStart(channelID, name, discordgo.ChannelTypeGuildPublicThread, archiveDuration)
}

func (w *dgSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	return w.s.InteractionRespond(interaction, resp)
}

func (w *dgSession) InteractionResponseEdit(interaction *discordgo.Interaction, edit *discordgo.WebhookEdit) (*discordgo.Message, error) {
	return w.s.InteractionResponseEdit(interaction, edit)
}

func (w *dgSession) Me() *discordgo.User {
	if w.s.State != nil && w.s.State.User != nil {
		return w.s.State.User
	}
	return &discordgo.User{}
}

// SessionFactory creates DiscordSession instances (allows mocking).
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &dgSession{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token   string
	guildID string
	session DiscordSession
	factory SessionFactory
	http    *http.Client
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*discordgo.Interaction // deferred interactions awaiting their reply
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus, log zerolog.Logger) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, b, log, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom
// session factory (for testing).
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, b *bus.MessageBus, log zerolog.Logger, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		guildID:     cfg.GuildID,
		factory:     factory,
		http:        http.DefaultClient,
		pending:     make(map[string]*discordgo.Interaction),
		log:         log,
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	d.session = session

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(m)
	})
	session.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		d.handleInteraction(i)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	me := session.Me()
	if _, err := session.ApplicationCommandBulkOverwrite(me.ID, d.guildID, commandDefinitions()); err != nil {
		d.log.Warn().Err(err).Msg("register slash commands failed")
	}

	d.log.Info().Str("user", me.Username).Msg("connected")
	return nil
}

func (d *DiscordChannel) Stop() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	d.log.Info().Msg("stopped")
	return nil
}

// SetSession sets the session (for testing).
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

func (d *DiscordChannel) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	me := d.session.Me()
	if m.Author.ID == me.ID {
		return
	}
	if !d.IsAllowed(m.Author.ID) {
		d.log.Debug().Str("sender", m.Author.ID).Msg("rejected message")
		return
	}

	channelID := m.ChannelID
	threadID := ""
	threadName := ""
	if ch, err := d.session.Channel(m.ChannelID); err == nil && ch.IsThread() {
		threadID = m.ChannelID
		threadName = ch.Name
		channelID = ch.ParentID
	}

	mention := false
	for _, u := range m.Mentions {
		if u.ID == me.ID {
			mention = true
			break
		}
	}
	content := m.Content
	if mention {
		content = stripMention(content, me.ID)
	}

	attachments := d.downloadImages(m.Attachments)
	if content == "" && !mention && len(attachments) == 0 {
		return
	}

	d.bus.Inbound <- bus.InboundMessage{
		Channel:     discordChannelName,
		SenderID:    m.Author.ID,
		SenderName:  displayName(m.Member, m.Author),
		ChannelID:   channelID,
		ThreadID:    threadID,
		GuildID:     m.GuildID,
		Content:     content,
		Timestamp:   m.Timestamp,
		Attachments: attachments,
		Mention:     mention,
		Metadata: map[string]any{
			"message_id":  m.ID,
			"username":    m.Author.Username,
			"thread_name": threadName,
		},
	}
}

func (d *DiscordChannel) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}
	if !d.IsAllowed(user.ID) {
		d.respondText(i.Interaction, "⚠️ You are not allowed to use this bot.")
		return
	}

	data := i.ApplicationCommandData()
	name := data.Name
	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		name = name + " " + opts[0].Name
		opts = opts[0].Options
	}

	args := make(map[string]string, len(opts))
	var attachments []bus.Attachment
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionString:
			args[o.Name] = o.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			args[o.Name] = strconv.FormatInt(o.IntValue(), 10)
		case discordgo.ApplicationCommandOptionBoolean:
			args[o.Name] = strconv.FormatBool(o.BoolValue())
		case discordgo.ApplicationCommandOptionAttachment:
			id, _ := o.Value.(string)
			if data.Resolved == nil {
				continue
			}
			if att := data.Resolved.Attachments[id]; att != nil {
				attachments = append(attachments, d.downloadAttachment(att.Filename, att.ContentType, att.URL)...)
			}
		}
	}

	// Ack within the three second budget; the reply edits this in.
	if err := d.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		d.log.Warn().Err(err).Str("command", name).Msg("interaction ack failed")
		return
	}
	d.mu.Lock()
	d.pending[i.ID] = i.Interaction
	d.mu.Unlock()

	channelID := i.ChannelID
	threadID := ""
	threadName := ""
	if ch, err := d.session.Channel(i.ChannelID); err == nil && ch.IsThread() {
		threadID = i.ChannelID
		threadName = ch.Name
		channelID = ch.ParentID
	}

	d.bus.Inbound <- bus.InboundMessage{
		Channel:     discordChannelName,
		SenderID:    user.ID,
		SenderName:  displayName(i.Member, user),
		ChannelID:   channelID,
		ThreadID:    threadID,
		GuildID:     i.GuildID,
		Content:     args["message"],
		Timestamp:   time.Now(),
		Attachments: attachments,
		Command:     &bus.Command{Name: name, Args: args},
		Metadata: map[string]any{
			"interaction_id": i.ID,
			"username":       user.Username,
			"thread_name":    threadName,
		},
	}
}

// respondText answers an interaction immediately without deferring.
func (d *DiscordChannel) respondText(i *discordgo.Interaction, content string) {
	err := d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("interaction respond failed")
	}
}

func (d *DiscordChannel) downloadImages(atts []*discordgo.MessageAttachment) []bus.Attachment {
	var out []bus.Attachment
	for _, att := range atts {
		out = append(out, d.downloadAttachment(att.Filename, att.ContentType, att.URL)...)
	}
	return out
}

// downloadAttachment fetches one image attachment, skipping anything
// that is not an image file.
func (d *DiscordChannel) downloadAttachment(name, mime, url string) []bus.Attachment {
	if !isImageName(name) {
		return nil
	}
	resp, err := d.http.Get(url)
	if err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("attachment download failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.log.Warn().Int("status", resp.StatusCode).Str("file", name).Msg("attachment download failed")
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return nil
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return []bus.Attachment{{Name: name, MIME: mime, URL: url, Data: data}}
}

func isImageName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

// stripMention removes the bot's mention tokens from message content.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// CreateThread starts a platform thread in a channel and returns its id.
func (d *DiscordChannel) CreateThread(channelID, name string) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord session not initialized")
	}
	if _, err := d.session.ChannelMessageSend(channelID,
		fmt.Sprintf("**AI Thread: %s**\n*Starting a new conversation thread...*", name)); err != nil {
		return "", fmt.Errorf("send thread anchor: %w", err)
	}
	th, err := d.session.ThreadStart(channelID, name, 60)
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}
	return th.ID, nil
}

func (d *DiscordChannel) Send(msg bus.OutboundMessage) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord session not initialized")
	}

	// Replies to slash commands edit the deferred response in place.
	if msg.ReplyTo != "" {
		d.mu.Lock()
		interaction := d.pending[msg.ReplyTo]
		if interaction != nil {
			delete(d.pending, msg.ReplyTo)
		}
		d.mu.Unlock()
		if interaction != nil {
			return "", d.finishInteraction(interaction, msg)
		}
	}

	chunks := splitMessage(msg.Content, discordMaxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var lastID string
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			if msg.ReplyTo != "" {
				data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
			}
		}
		if i == len(chunks)-1 {
			if msg.Embed != nil {
				data.Embeds = []*discordgo.MessageEmbed{toDiscordEmbed(msg.Embed)}
			}
			if len(msg.ImageData) > 0 {
				data.Files = []*discordgo.File{{Name: imageName(msg), Reader: bytes.NewReader(msg.ImageData)}}
			}
		}
		sent, err := d.session.ChannelMessageSendComplex(msg.ChatID, data)
		if err != nil {
			return "", fmt.Errorf("send discord message: %w", err)
		}
		if sent != nil {
			lastID = sent.ID
		}
	}
	return lastID, nil
}

// finishInteraction turns the deferred "thinking" response into the
// final reply. Overflow past the message limit continues as ordinary
// channel messages.
func (d *DiscordChannel) finishInteraction(interaction *discordgo.Interaction, msg bus.OutboundMessage) error {
	chunks := splitMessage(msg.Content, discordMaxMessageLen)
	first := ""
	if len(chunks) > 0 {
		first = chunks[0]
		chunks = chunks[1:]
	}

	edit := &discordgo.WebhookEdit{Content: &first}
	if msg.Embed != nil {
		embeds := []*discordgo.MessageEmbed{toDiscordEmbed(msg.Embed)}
		edit.Embeds = &embeds
	}
	if len(msg.ImageData) > 0 {
		edit.Files = []*discordgo.File{{Name: imageName(msg), Reader: bytes.NewReader(msg.ImageData)}}
	}
	if _, err := d.session.InteractionResponseEdit(interaction, edit); err != nil {
		return fmt.Errorf("edit interaction response: %w", err)
	}

	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(interaction.ChannelID, chunk); err != nil {
			return fmt.Errorf("send overflow chunk: %w", err)
		}
	}
	return nil
}

// Edit rewrites a previously sent message. Ids of still-pending
// interactions update the deferred response, which is how progress
// lines tick during image generation.
func (d *DiscordChannel) Edit(chatID, messageID, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord session not initialized")
	}

	d.mu.Lock()
	interaction := d.pending[messageID]
	d.mu.Unlock()
	if interaction != nil {
		_, err := d.session.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{Content: &content})
		if err != nil {
			return fmt.Errorf("edit interaction response: %w", err)
		}
		return nil
	}

	if _, err := d.session.ChannelMessageEdit(chatID, messageID, content); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

func toDiscordEmbed(e *bus.Embed) *discordgo.MessageEmbed {
	color := e.Color
	if color == 0 {
		color = 0x3498db
	}
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       color,
	}
	if e.ImageURL != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	return out
}

func imageName(msg bus.OutboundMessage) string {
	if msg.ImageName != "" {
		return msg.ImageName
	}
	return "generated_image.png"
}

// splitMessage breaks content into chunks under max bytes, preferring
// newline boundaries and never cutting mid-rune.
func splitMessage(content string, max int) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > max {
			if idx := strings.LastIndex(chunk[:max], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				cut := max
				for cut > 0 && !utf8.RuneStart(content[cut]) {
					cut--
				}
				chunk = chunk[:cut]
			}
		}
		chunks = append(chunks, chunk)
		content = strings.TrimPrefix(content[len(chunk):], "\n")
	}
	return chunks
}
