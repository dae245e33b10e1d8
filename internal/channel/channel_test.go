package channel

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/config"
)

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name() = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if !ch.IsAllowed("anyone") {
		t.Error("empty allow-list should admit everyone")
	}
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, []string{"user1", "user2"})
	if !ch.IsAllowed("user1") {
		t.Error("user1 should be allowed")
	}
	if ch.IsAllowed("user3") {
		t.Error("user3 should be rejected")
	}
}

// mockSession implements DiscordSession for tests.
type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closed       bool
	me           *discordgo.User
	channels     map[string]*discordgo.Channel
	sent         []sentMessage
	edits        []editedMessage
	interactions []respondedInteraction
	webhookEdits []webhookEdit
	registered   []*discordgo.ApplicationCommand

	messageHandler     func(*discordgo.Session, *discordgo.MessageCreate)
	interactionHandler func(*discordgo.Session, *discordgo.InteractionCreate)

	sendErr error
}

type sentMessage struct {
	ChannelID string
	Content   string
	Data      *discordgo.MessageSend
}

type editedMessage struct {
	ChannelID string
	MessageID string
	Content   string
}

type respondedInteraction struct {
	Interaction *discordgo.Interaction
	Response    *discordgo.InteractionResponse
}

type webhookEdit struct {
	Interaction *discordgo.Interaction
	Edit        *discordgo.WebhookEdit
}

func newMockSession() *mockSession {
	return &mockSession{
		me:       &discordgo.User{ID: "bot-1", Username: "scribe"},
		channels: make(map[string]*discordgo.Channel),
	}
}

func (m *mockSession) Open() error  { m.opened = true; return nil }
func (m *mockSession) Close() error { m.closed = true; return nil }

func (m *mockSession) AddHandler(handler interface{}) func() {
	switch h := handler.(type) {
	case func(*discordgo.Session, *discordgo.MessageCreate):
		m.messageHandler = h
	case func(*discordgo.Session, *discordgo.InteractionCreate):
		m.interactionHandler = h
	}
	return func() {}
}

func (m *mockSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand) ([]*discordgo.ApplicationCommand, error) {
	m.registered = commands
	return commands, nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ID: "msg-sent", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Content: data.Content, Data: data})
	return &discordgo.Message{ID: "msg-sent", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageEdit(channelID, messageID, content string) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editedMessage{ChannelID: channelID, MessageID: messageID, Content: content})
	return &discordgo.Message{ID: messageID}, nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return &discordgo.Channel{ID: channelID, Type: discordgo.ChannelTypeGuildText}, nil
}

func (m *mockSession) ThreadStart(channelID, name string, archiveDuration int) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "thread-777", Name: name, Type: discordgo.ChannelTypeGuildPublicThread, ParentID: channelID}, nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, respondedInteraction{Interaction: interaction, Response: resp})
	return nil
}

func (m *mockSession) InteractionResponseEdit(interaction *discordgo.Interaction, edit *discordgo.WebhookEdit) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookEdits = append(m.webhookEdits, webhookEdit{Interaction: interaction, Edit: edit})
	return &discordgo.Message{ID: "interaction-msg"}, nil
}

func (m *mockSession) Me() *discordgo.User { return m.me }

func newTestDiscordChannel(t *testing.T) (*DiscordChannel, *mockSession, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	mock := newMockSession()
	factory := func(token string) (DiscordSession, error) { return mock, nil }
	ch, err := NewDiscordChannelWithFactory(config.DiscordConfig{Token: "token"}, b, zerolog.Nop(), factory)
	if err != nil {
		t.Fatalf("NewDiscordChannelWithFactory: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ch, mock, b
}

func TestNewDiscordChannel_RequiresToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewDiscordChannel(config.DiscordConfig{}, b, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestDiscordStart_RegistersCommands(t *testing.T) {
	_, mock, _ := newTestDiscordChannel(t)

	if !mock.opened {
		t.Error("session was not opened")
	}
	want := map[string]bool{
		"chat": false, "reset": false, "memory": false, "summarize": false,
		"summarize_url": false, "model": false, "setmodel": false,
		"setsystem": false, "setmemory": false, "setwindow": false,
		"setchannelmodel": false, "channelmodel": false, "resetchannelmodel": false,
		"setchannelsystem": false, "channelsystem": false, "resetchannelsystem": false,
		"thread": false, "adventure": false, "imagine": false, "dream": false,
		"cftest": false, "hordemodels": false, "diagnostic": false,
		"syncmodels": false, "visionmodels": false, "save": false, "load": false,
		"prune": false,
	}
	for _, cmd := range mock.registered {
		if _, ok := want[cmd.Name]; ok {
			want[cmd.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("command %s was not registered", name)
		}
	}
}

func TestDiscordHandleMessage_PlainChannelMessage(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)

	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		Content:   "hello there",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-b.Inbound:
		if msg.ChannelID != "chan-1" || msg.ThreadID != "" {
			t.Errorf("got ChannelID=%q ThreadID=%q, want chan-1 and empty", msg.ChannelID, msg.ThreadID)
		}
		if msg.Mention {
			t.Error("plain message should not be flagged as mention")
		}
		if msg.SenderName != "alice" {
			t.Errorf("SenderName = %q, want alice", msg.SenderName)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestDiscordHandleMessage_ThreadResolvesParent(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)
	mock.channels["thread-9"] = &discordgo.Channel{
		ID:       "thread-9",
		Type:     discordgo.ChannelTypeGuildPublicThread,
		ParentID: "chan-1",
	}

	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "thread-9",
		Content:   "inside thread",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-b.Inbound:
		if msg.ChannelID != "chan-1" || msg.ThreadID != "thread-9" {
			t.Errorf("got ChannelID=%q ThreadID=%q, want chan-1/thread-9", msg.ChannelID, msg.ThreadID)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestDiscordHandleMessage_MentionStripped(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)

	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m3",
		ChannelID: "chan-1",
		Content:   "<@bot-1> what's up",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		Mentions:  []*discordgo.User{{ID: "bot-1"}},
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-b.Inbound:
		if !msg.Mention {
			t.Error("expected Mention=true")
		}
		if msg.Content != "what's up" {
			t.Errorf("Content = %q, want mention stripped", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestDiscordHandleMessage_IgnoresBots(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)

	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m4",
		ChannelID: "chan-1",
		Content:   "beep",
		Author:    &discordgo.User{ID: "other-bot", Username: "robo", Bot: true},
		Timestamp: time.Now(),
	}})
	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m5",
		ChannelID: "chan-1",
		Content:   "self",
		Author:    &discordgo.User{ID: "bot-1", Username: "scribe"},
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-b.Inbound:
		t.Fatalf("unexpected inbound message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDiscordHandleInteraction_Command(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)

	mock.interactionHandler(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "int-1",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "user-1", Username: "alice"},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "chat",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: "message", Type: discordgo.ApplicationCommandOptionString, Value: "hi bot"},
			},
		},
	}})

	select {
	case msg := <-b.Inbound:
		if msg.Command == nil || msg.Command.Name != "chat" {
			t.Fatalf("Command = %+v, want chat", msg.Command)
		}
		if msg.Command.Arg("message") != "hi bot" {
			t.Errorf("Arg(message) = %q, want hi bot", msg.Command.Arg("message"))
		}
		if msg.ReplyTag() != "int-1" {
			t.Errorf("ReplyTag() = %q, want int-1", msg.ReplyTag())
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}

	if len(mock.interactions) != 1 {
		t.Fatalf("expected 1 interaction ack, got %d", len(mock.interactions))
	}
	if mock.interactions[0].Response.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("ack type = %v, want deferred", mock.interactions[0].Response.Type)
	}
}

func TestDiscordHandleInteraction_Subcommand(t *testing.T) {
	_, mock, b := newTestDiscordChannel(t)

	mock.interactionHandler(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "int-2",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "user-1", Username: "alice"},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "thread",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name: "rename",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandInteractionDataOption{
						{Name: "id", Type: discordgo.ApplicationCommandOptionString, Value: "ab3k2"},
						{Name: "name", Type: discordgo.ApplicationCommandOptionString, Value: "Plans"},
					},
				},
			},
		},
	}})

	select {
	case msg := <-b.Inbound:
		if msg.Command.Name != "thread rename" {
			t.Errorf("Command.Name = %q, want %q", msg.Command.Name, "thread rename")
		}
		if msg.Command.Arg("id") != "ab3k2" || msg.Command.Arg("name") != "Plans" {
			t.Errorf("args = %v", msg.Command.Args)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestDiscordSend_PlainMessage(t *testing.T) {
	ch, mock, _ := newTestDiscordChannel(t)

	id, err := ch.Send(bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "msg-sent" {
		t.Errorf("returned id = %q, want msg-sent", id)
	}
	if len(mock.sent) != 1 || mock.sent[0].Content != "hello" {
		t.Errorf("sent = %+v", mock.sent)
	}
}

func TestDiscordSend_ChunksLongContent(t *testing.T) {
	ch, mock, _ := newTestDiscordChannel(t)

	long := strings.Repeat("line one\n", 400) // ~3600 bytes
	if _, err := ch.Send(bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mock.sent) < 2 {
		t.Fatalf("expected chunked send, got %d messages", len(mock.sent))
	}
	for i, sent := range mock.sent {
		if len(sent.Content) > discordMaxMessageLen {
			t.Errorf("chunk %d is %d bytes, over the limit", i, len(sent.Content))
		}
	}
}

func TestDiscordSend_FinishesInteraction(t *testing.T) {
	ch, mock, b := newTestDiscordChannel(t)

	mock.interactionHandler(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "int-3",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "user-1", Username: "alice"},
		Data:      discordgo.ApplicationCommandInteractionData{Name: "reset"},
	}})
	<-b.Inbound

	if _, err := ch.Send(bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: "done", ReplyTo: "int-3"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mock.webhookEdits) != 1 {
		t.Fatalf("expected interaction edit, got %d", len(mock.webhookEdits))
	}
	if got := *mock.webhookEdits[0].Edit.Content; got != "done" {
		t.Errorf("edit content = %q, want done", got)
	}

	// The interaction is settled; a second send falls back to a plain message.
	if _, err := ch.Send(bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: "again", ReplyTo: "int-3"}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if len(mock.sent) != 1 {
		t.Errorf("expected plain fallback send, got %d", len(mock.sent))
	}
}

func TestDiscordEdit_PendingInteractionProgress(t *testing.T) {
	ch, mock, b := newTestDiscordChannel(t)

	mock.interactionHandler(nil, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "int-4",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		User:      &discordgo.User{ID: "user-1", Username: "alice"},
		Data:      discordgo.ApplicationCommandInteractionData{Name: "imagine"},
	}})
	<-b.Inbound

	if err := ch.Edit("chan-1", "int-4", "still working (10s)"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := ch.Edit("chan-1", "int-4", "still working (20s)"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(mock.webhookEdits) != 2 {
		t.Fatalf("expected 2 progress edits, got %d", len(mock.webhookEdits))
	}

	// Progress edits must not settle the interaction.
	if _, err := ch.Send(bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: "final", ReplyTo: "int-4"}); err != nil {
		t.Fatalf("final Send: %v", err)
	}
	if len(mock.webhookEdits) != 3 {
		t.Errorf("final reply should edit the deferred response, got %d edits", len(mock.webhookEdits))
	}
}

func TestDiscordEdit_PlainMessage(t *testing.T) {
	ch, mock, _ := newTestDiscordChannel(t)

	if err := ch.Edit("chan-1", "msg-42", "updated"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(mock.edits) != 1 || mock.edits[0].MessageID != "msg-42" {
		t.Errorf("edits = %+v", mock.edits)
	}
}

func TestDiscordCreateThread(t *testing.T) {
	ch, mock, _ := newTestDiscordChannel(t)

	id, err := ch.CreateThread("chan-1", "Research")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "thread-777" {
		t.Errorf("thread id = %q, want thread-777", id)
	}
	if len(mock.sent) != 1 || !strings.Contains(mock.sent[0].Content, "Research") {
		t.Errorf("anchor message = %+v", mock.sent)
	}
}

func TestDiscordAttachmentDownload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer ts.Close()

	_, mock, b := newTestDiscordChannel(t)
	mock.messageHandler(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m6",
		ChannelID: "chan-1",
		Content:   "look at this",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "cat.png", ContentType: "image/png", URL: ts.URL},
			{Filename: "notes.txt", ContentType: "text/plain", URL: ts.URL},
		},
		Timestamp: time.Now(),
	}})

	select {
	case msg := <-b.Inbound:
		if len(msg.Attachments) != 1 {
			t.Fatalf("attachments = %d, want only the image", len(msg.Attachments))
		}
		if string(msg.Attachments[0].Data) != "png-bytes" {
			t.Errorf("attachment data = %q", msg.Attachments[0].Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		want    []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "0123456789", 10, []string{"0123456789"}},
		{"newline split", "aaa\nbbb\nccc", 8, []string{"aaa\nbbb", "ccc"}},
		{"hard split", "0123456789abcdef", 10, []string{"0123456789", "abcdef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.content, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessage_NeverCutsRune(t *testing.T) {
	content := strings.Repeat("é", 30)
	for _, chunk := range splitMessage(content, 11) {
		if !bytes.Equal([]byte(chunk), []byte(string([]rune(chunk)))) {
			t.Errorf("chunk %q contains a broken rune", chunk)
		}
	}
}

func TestConsoleParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantName string
		wantArgs map[string]string
	}{
		{"/reset", "reset", map[string]string{}},
		{"/chat hello world", "chat", map[string]string{"message": "hello world"}},
		{"/setmodel openai/gpt-4o", "setmodel", map[string]string{"model_name": "openai/gpt-4o"}},
		{"/thread list", "thread list", map[string]string{}},
		{"/thread message ab3k2 tell me more", "thread message", map[string]string{"id": "ab3k2", "message": "tell me more"}},
		{"/adventure roll 2d6+3", "adventure roll", map[string]string{"dice": "2d6+3"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd := parseConsoleCommand(tt.line)
			if cmd == nil {
				t.Fatal("parseConsoleCommand returned nil")
			}
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			for k, v := range tt.wantArgs {
				if cmd.Arg(k) != v {
					t.Errorf("Arg(%s) = %q, want %q", k, cmd.Arg(k), v)
				}
			}
		})
	}

	if cmd := parseConsoleCommand("plain text"); cmd != nil {
		t.Errorf("plain text parsed as command: %+v", cmd)
	}
}

func TestConsoleChannel_ReadLoop(t *testing.T) {
	b := bus.NewMessageBus(10)
	in := strings.NewReader("hello bot\n/reset\n")
	var out bytes.Buffer
	ch := NewConsoleChannel(b, in, &out)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop()

	first := <-b.Inbound
	if first.Content != "hello bot" || !first.Mention {
		t.Errorf("first = %+v, want mention-style chat", first)
	}
	second := <-b.Inbound
	if second.Command == nil || second.Command.Name != "reset" {
		t.Errorf("second = %+v, want reset command", second)
	}
}

func TestConsoleChannel_SendRendersEmbed(t *testing.T) {
	b := bus.NewMessageBus(10)
	var out bytes.Buffer
	ch := NewConsoleChannel(b, strings.NewReader(""), &out)

	_, err := ch.Send(bus.OutboundMessage{
		Content: "",
		Embed: &bus.Embed{
			Title:  "Generated Image",
			Fields: []bus.EmbedField{{Name: "Seed", Value: "1234"}},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Generated Image") || !strings.Contains(text, "1234") {
		t.Errorf("output missing embed content: %q", text)
	}
}

func TestManagerRoutesOutbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	m := NewManager(b, zerolog.Nop())

	mock := newMockSession()
	ch, err := NewDiscordChannelWithFactory(config.DiscordConfig{Token: "token"}, b, zerolog.Nop(),
		func(string) (DiscordSession, error) { return mock, nil })
	if err != nil {
		t.Fatalf("NewDiscordChannelWithFactory: %v", err)
	}
	m.Register(ch)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer m.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- bus.OutboundMessage{Channel: "discord", ChatID: "chan-1", Content: "routed"}

	deadline := time.After(2 * time.Second)
	for {
		mock.mu.Lock()
		n := len(mock.sent)
		mock.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("outbound message never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got, ok := m.Get("discord"); !ok || got != Channel(ch) {
		t.Error("Get(discord) did not return the registered channel")
	}
	names := m.EnabledChannels()
	if len(names) != 1 || names[0] != "discord" {
		t.Errorf("EnabledChannels = %v", names)
	}
}
