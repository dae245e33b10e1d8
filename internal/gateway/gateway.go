// Package gateway wires the channels, the conversation core, and the
// model backends together: it consumes the inbound bus, dispatches
// commands, and owns the process lifecycle.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/channel"
	"github.com/lorehaven/scribe/internal/config"
	"github.com/lorehaven/scribe/internal/convo"
	"github.com/lorehaven/scribe/internal/imagine"
	"github.com/lorehaven/scribe/internal/llm"
	"github.com/lorehaven/scribe/internal/logger"
	"github.com/lorehaven/scribe/internal/metrics"
	"github.com/lorehaven/scribe/internal/prompts"
	"github.com/lorehaven/scribe/internal/sched"
	"github.com/lorehaven/scribe/internal/web"
)

// Completer sends chat requests to the model provider (allows mocking
// in tests).
type Completer interface {
	Send(ctx context.Context, req llm.Request) (string, error)
}

// ImageBackend is the AI Horde surface the image commands use.
type ImageBackend interface {
	Generate(ctx context.Context, opts imagine.GenerateOptions) (imagine.Image, error)
	Models(ctx context.Context) ([]imagine.HordeModel, error)
}

// DreamBackend is the Cloudflare worker surface.
type DreamBackend interface {
	Generate(ctx context.Context, prompt string) (imagine.Image, error)
	Ping(ctx context.Context) (imagine.PingResult, error)
}

// threadCreator is implemented by channels that can open real platform
// threads. Channels without it get locally minted thread ids.
type threadCreator interface {
	CreateThread(channelID, name string) (string, error)
}

// Options customizes gateway construction, mainly for tests and for
// the interactive console mode.
type Options struct {
	Completer      Completer
	Lister         llm.Lister
	Horde          ImageBackend
	Worker         DreamBackend
	SessionFactory channel.SessionFactory
	Channels       []channel.Channel
	// ConsoleIn and ConsoleOut, when both set, attach the local REPL
	// channel. Typing /quit there shuts the gateway down.
	ConsoleIn  io.Reader
	ConsoleOut io.Writer
	SignalChan chan os.Signal
	HTTPClient *http.Client
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	channels *channel.Manager
	log      zerolog.Logger

	store    *convo.Store
	resolver *convo.Resolver
	builder  *convo.ContextBuilder
	router   *convo.Router
	persist  *convo.Gateway
	sweeper  *convo.Sweeper

	completer Completer
	catalog   *llm.Catalog
	horde     ImageBackend
	worker    DreamBackend
	promptLib *prompts.Library

	sched   *sched.Service
	web     *web.Server
	metrics *metrics.Metrics
	http    *http.Client

	startedAt  time.Time
	signalChan chan os.Signal
	now        func() time.Time
}

// New creates a Gateway with default options.
func New(cfg *config.Config, log zerolog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, log, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, log zerolog.Logger, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		log:        logger.For(log, "gateway"),
		startedAt:  time.Now(),
		signalChan: opts.SignalChan,
		now:        time.Now,
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.metrics = metrics.New()

	lib, err := prompts.Load(filepath.Join(config.ConfigDir(), "prompts.yaml"))
	if err != nil {
		log.Warn().Err(err).Msg("prompt overrides unreadable, using defaults")
		lib = prompts.Defaults()
	}
	g.promptLib = lib

	systemPrompt := cfg.Provider.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = lib.System
	}

	g.store = convo.NewStore(convo.Options{
		MaxHistory:           cfg.Convo.MaxHistory,
		MaxThreadsPerChannel: cfg.Convo.MaxThreadsPerChannel,
		TimeWindowHours:      cfg.Convo.TimeWindowHours,
		GlobalModel:          cfg.Provider.DefaultModel,
		GlobalSystemPrompt:   systemPrompt,
	})
	g.resolver = convo.NewResolver(g.store)
	g.builder = convo.NewContextBuilder(g.store)
	g.router = convo.NewRouter(g.store)
	g.sweeper = convo.NewSweeper(g.store)
	g.persist = convo.NewGateway(g.store, cfg.DataDir, logger.For(log, "persist"))

	g.completer = opts.Completer
	lister := opts.Lister
	if g.completer == nil {
		client := llm.NewClient(llm.ClientConfig{
			APIKey:  cfg.Provider.APIKey,
			Referer: cfg.Provider.Referer,
		}, logger.For(log, "llm"))
		g.completer = client
		if lister == nil {
			lister = client
		}
	}
	if lister == nil {
		lister = llm.ListerFunc(func(context.Context) ([]llm.ModelInfo, error) {
			return nil, fmt.Errorf("model listing not configured")
		})
	}
	g.catalog = llm.NewCatalog(lister, cfg.DataDir, logger.For(log, "catalog"))

	g.horde = opts.Horde
	if g.horde == nil {
		g.horde = imagine.NewHordeClient(cfg.Horde.APIKey,
			time.Duration(cfg.Horde.MaxWaitSec)*time.Second, logger.For(log, "horde"))
	}
	g.worker = opts.Worker
	if g.worker == nil && cfg.Worker.URL != "" {
		g.worker = imagine.NewWorkerClient(cfg.Worker.URL, cfg.Worker.Token,
			time.Duration(cfg.Worker.TimeoutSec)*time.Second, logger.For(log, "worker"))
	}

	g.http = opts.HTTPClient
	if g.http == nil {
		g.http = &http.Client{Timeout: 30 * time.Second}
	}

	g.channels = channel.NewManager(g.bus, logger.For(log, "channel"))
	if cfg.Discord.Token != "" {
		var dc *channel.DiscordChannel
		if opts.SessionFactory != nil {
			dc, err = channel.NewDiscordChannelWithFactory(cfg.Discord, g.bus, logger.For(log, "discord"), opts.SessionFactory)
		} else {
			dc, err = channel.NewDiscordChannel(cfg.Discord, g.bus, logger.For(log, "discord"))
		}
		if err != nil {
			return nil, fmt.Errorf("create discord channel: %w", err)
		}
		g.channels.Register(dc)
	}
	for _, ch := range opts.Channels {
		g.channels.Register(ch)
	}
	if opts.ConsoleIn != nil && opts.ConsoleOut != nil {
		if g.signalChan == nil {
			g.signalChan = make(chan os.Signal, 1)
			signal.Notify(g.signalChan, syscall.SIGINT, syscall.SIGTERM)
		}
		quit := g.signalChan
		cc := channel.NewConsoleChannel(g.bus, opts.ConsoleIn, opts.ConsoleOut)
		cc.OnQuit(func() {
			select {
			case quit <- os.Interrupt:
			default:
			}
		})
		g.channels.Register(cc)
	}
	if len(g.channels.EnabledChannels()) == 0 {
		return nil, fmt.Errorf("no channels configured: set a discord token or run in console mode")
	}

	if cfg.Web.Enabled {
		g.web = web.NewServer(cfg.Web.Host, cfg.Web.Port, web.Hooks{
			Metrics: g.metrics.Handler(),
			Stats:   g.webStats,
			Save:    g.persist.Save,
			Sweep:   func() convo.SweepSummary { return g.runSweep() },
		}, logger.For(log, "web"))
	}

	g.sched = sched.NewService(logger.For(log, "sched"))
	if err := g.addJobs(); err != nil {
		return nil, fmt.Errorf("schedule jobs: %w", err)
	}

	return g, nil
}

func (g *Gateway) addJobs() error {
	saveSpec := fmt.Sprintf("@every %dm", g.cfg.Convo.SaveIntervalMin)
	if err := g.sched.Add("auto-save", saveSpec, func() error {
		err := g.persist.Save()
		if err != nil {
			g.metrics.RecordSave("error")
			return err
		}
		g.metrics.RecordSave("ok")
		g.refreshStoreGauges()
		return nil
	}); err != nil {
		return err
	}

	if err := g.sched.Add("retention-sweep", "@every 24h", func() error {
		g.runSweep()
		return nil
	}); err != nil {
		return err
	}

	return g.sched.Add("catalog-refresh", "@every 12h", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return g.catalog.Refresh(ctx, true)
	})
}

func (g *Gateway) runSweep() convo.SweepSummary {
	summary := g.sweeper.Sweep(g.now())
	if !summary.Empty() {
		g.log.Info().
			Int("channels", summary.ChannelsPruned).
			Int("threads", summary.ThreadsPruned).
			Int("adventures", summary.AdventuresPruned).
			Int("messages", summary.MessagesPruned).
			Msg("retention sweep pruned stale scopes")
	}
	g.metrics.RecordSweep(summary.ChannelsPruned, summary.ThreadsPruned, summary.AdventuresPruned)
	g.refreshStoreGauges()
	return summary
}

func (g *Gateway) refreshStoreGauges() {
	st := g.store.Snapshot()
	g.metrics.UpdateStoreStats(st.Channels, st.Threads, st.Adventures, st.Messages)
}

func (g *Gateway) webStats() web.Stats {
	return web.Stats{
		StartedAt:     g.startedAt,
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
		Channels:      g.channels.EnabledChannels(),
		Store:         g.store.Snapshot(),
	}
}

// Run starts every component and blocks until a shutdown signal.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if restored, err := g.persist.Load(); err != nil {
		g.log.Error().Err(err).Msg("load state failed, starting fresh")
	} else if restored {
		st := g.store.Snapshot()
		g.log.Info().Int("channels", st.Channels).Int("messages", st.Messages).Msg("state restored")
	}
	g.refreshStoreGauges()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	go func() {
		rctx, rcancel := context.WithTimeout(ctx, time.Minute)
		defer rcancel()
		if err := g.catalog.Refresh(rctx, false); err != nil {
			g.log.Warn().Err(err).Msg("initial catalog refresh failed")
		}
	}()

	g.sched.Start()
	if g.web != nil {
		g.web.Start()
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	g.log.Info().Msg("shutting down")
	return g.Shutdown()
}

// Shutdown stops the scheduler, takes a final snapshot, and closes the
// delivery layer.
func (g *Gateway) Shutdown() error {
	g.sched.Stop()
	if err := g.persist.Save(); err != nil {
		g.log.Error().Err(err).Msg("final save failed")
		g.metrics.RecordSave("error")
	} else {
		g.metrics.RecordSave("ok")
	}
	if g.web != nil {
		_ = g.web.Stop()
	}
	_ = g.channels.StopAll()
	g.log.Info().Msg("shutdown complete")
	return nil
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			go g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound is the top-level boundary: no fault in a handler may
// take the process down.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	log := g.log.With().
		Str("request_id", uuid.NewString()).
		Str("channel", msg.Channel).
		Str("sender", msg.SenderID).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic recovered")
		}
	}()

	switch {
	case msg.Command != nil:
		g.metrics.RecordMessage(msg.Channel, "command")
		log.Info().Str("command", msg.Command.Name).Msg("inbound command")
		g.handleCommand(ctx, log, msg)
	case msg.ThreadID != "":
		g.metrics.RecordMessage(msg.Channel, "thread")
		g.handleThreadMessage(ctx, log, msg)
	case msg.Mention:
		g.metrics.RecordMessage(msg.Channel, "mention")
		log.Info().Str("content", truncate(msg.Content, 80)).Msg("inbound mention")
		g.handleMention(ctx, log, msg)
	default:
		g.metrics.RecordMessage(msg.Channel, "plain")
		g.recordChannelMessage(log, msg)
	}
}

// recordChannelMessage keeps ordinary channel chatter as context for
// later mentions. Slash-style text is not context.
func (g *Gateway) recordChannelMessage(log zerolog.Logger, msg bus.InboundMessage) {
	if strings.HasPrefix(msg.Content, "/") || strings.TrimSpace(msg.Content) == "" {
		return
	}
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID})
	if err != nil {
		log.Warn().Err(err).Msg("resolve channel scope failed")
		return
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = g.now()
	}
	if err := g.store.Append(res.Scope.ID, convo.UserMessage(msg.SenderName, msg.Content, ts)); err != nil {
		log.Warn().Err(err).Str("scope", res.Scope.ID).Msg("record message failed")
	}
}

// reply pushes a plain text response back through the bus.
func (g *Gateway) reply(msg bus.InboundMessage, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		Content: content,
		ReplyTo: msg.ReplyTag(),
	}
}

func (g *Gateway) replyEmbed(msg bus.InboundMessage, content string, e *bus.Embed) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		Content: content,
		ReplyTo: msg.ReplyTag(),
		Embed:   e,
	}
}

// progress rewrites the deferred interaction's placeholder text without
// settling it, so a later reply still lands as the final response.
func (g *Gateway) progress(msg bus.InboundMessage, text string) {
	ch, ok := g.channels.Get(msg.Channel)
	if !ok {
		return
	}
	if err := ch.Edit(destination(msg), msg.ReplyTag(), text); err != nil {
		g.log.Debug().Err(err).Msg("progress update failed")
	}
}

// destination picks where replies land: the thread when the message
// came from one, the channel otherwise.
func destination(msg bus.InboundMessage) string {
	if msg.ThreadID != "" {
		return msg.ThreadID
	}
	return msg.ChannelID
}

func threadNameOf(msg bus.InboundMessage) string {
	if v, ok := msg.Metadata["thread_name"].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}
