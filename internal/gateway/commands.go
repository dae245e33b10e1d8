package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/convo"
)

// Embed accent colors, matching the Discord palette the original
// surface used.
const (
	colorBlue       = 0x3498db
	colorGreen      = 0x2ecc71
	colorPurple     = 0x9b59b6
	colorDarkGold   = 0xc27c0e
	colorDarkPurple = 0x71368a
	colorDarkRed    = 0x992d22
	colorRed        = 0xe74c3c
)

// promptChunkLen keeps fenced prompt previews inside the platform
// limit with room for the fence markers.
const promptChunkLen = 1950

// handleCommand routes one slash command. Subcommands arrive flattened
// ("thread new"). Every branch settles the interaction exactly once.
func (g *Gateway) handleCommand(ctx context.Context, log zerolog.Logger, msg bus.InboundMessage) {
	cmd := msg.Command.Name
	var err error

	switch cmd {
	case "chat":
		err = g.cmdChat(ctx, log, msg)
	case "reset":
		err = g.cmdReset(msg)
	case "memory":
		err = g.cmdMemory(msg)
	case "summarize":
		err = g.cmdSummarize(ctx, msg)
	case "summarize_url":
		err = g.cmdSummarizeURL(ctx, msg)
	case "model":
		err = g.cmdModel(ctx, msg)
	case "setmodel":
		err = g.cmdSetModel(ctx, msg)
	case "setsystem":
		err = g.cmdSetSystem(msg)
	case "setmemory":
		err = g.cmdSetMemory(msg)
	case "setwindow":
		err = g.cmdSetWindow(msg)
	case "setchannelmodel":
		err = g.cmdSetChannelModel(ctx, msg)
	case "channelmodel":
		err = g.cmdChannelModel(msg)
	case "resetchannelmodel":
		err = g.cmdResetChannelModel(msg)
	case "setchannelsystem":
		err = g.cmdSetChannelSystem(msg)
	case "channelsystem":
		err = g.cmdChannelSystem(msg)
	case "resetchannelsystem":
		err = g.cmdResetChannelSystem(msg)
	case "thread new":
		err = g.cmdThreadNew(ctx, log, msg)
	case "thread message":
		err = g.cmdThreadMessage(ctx, log, msg)
	case "thread list":
		err = g.cmdThreadList(msg)
	case "thread delete":
		err = g.cmdThreadDelete(msg)
	case "thread rename":
		err = g.cmdThreadRename(msg)
	case "thread setmodel":
		err = g.cmdThreadSetModel(ctx, msg)
	case "thread setsystem":
		err = g.cmdThreadSetSystem(msg)
	case "adventure start":
		err = g.cmdAdventureStart(ctx, msg)
	case "adventure action":
		err = g.cmdAdventureAction(ctx, msg)
	case "adventure roll":
		err = g.cmdAdventureRoll(msg)
	case "adventure status":
		err = g.cmdAdventureStatus(msg)
	case "adventure end":
		err = g.cmdAdventureEnd(msg)
	case "imagine":
		err = g.cmdImagine(ctx, msg)
	case "dream":
		err = g.cmdDream(ctx, msg)
	case "cftest":
		err = g.cmdCftest(ctx, msg)
	case "hordemodels":
		err = g.cmdHordeModels(ctx, msg)
	case "diagnostic":
		err = g.cmdDiagnostic(ctx, msg)
	case "syncmodels":
		err = g.cmdSyncModels(ctx, msg)
	case "visionmodels":
		err = g.cmdVisionModels(ctx, msg)
	case "save":
		err = g.cmdSave(msg)
	case "load":
		err = g.cmdLoad(msg)
	case "prune":
		err = g.cmdPrune(msg)
	default:
		g.reply(msg, fmt.Sprintf("⚠️ Unknown command: /%s", cmd))
		g.metrics.RecordCommand(cmd, "unknown")
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
	}
	g.metrics.RecordCommand(cmd, status)
}

// channelScope resolves the bare channel scope for configuration
// commands, which always target the channel regardless of threads.
func (g *Gateway) channelScope(msg bus.InboundMessage) string {
	res, err := g.resolver.Resolve(convo.ResolveInput{ChannelID: msg.ChannelID})
	if err != nil {
		return msg.ChannelID
	}
	return res.Scope.ID
}

// validModel resolves a user-supplied model id against the configured
// allow-list first and the live catalog second, returning canonical
// casing.
func (g *Gateway) validModel(ctx context.Context, name string) (string, bool) {
	for _, m := range g.cfg.Provider.AllowedModels {
		if strings.EqualFold(m, name) {
			return m, true
		}
	}
	if g.catalog.IsValid(ctx, name) {
		return name, true
	}
	return "", false
}

// modelSample returns up to n model ids for error messages, preferring
// the live catalog over the static allow-list.
func (g *Gateway) modelSample(ctx context.Context, n int) []string {
	models, err := g.catalog.Models(ctx)
	if err != nil || len(models) == 0 {
		models = g.cfg.Provider.AllowedModels
	}
	if len(models) > n {
		models = models[:n]
	}
	return models
}

func (g *Gateway) modelNotFound(ctx context.Context, msg bus.InboundMessage, name string) {
	sample := strings.Join(g.modelSample(ctx, 10), "\n")
	g.reply(msg, fmt.Sprintf("⚠️ Model `%s` not found. Available models include:\n```\n%s\n```", name, sample))
}

func (g *Gateway) cmdSetModel(ctx context.Context, msg bus.InboundMessage) error {
	name := msg.Command.Arg("model_name")
	model, ok := g.validModel(ctx, name)
	if !ok {
		g.modelNotFound(ctx, msg, name)
		return nil
	}
	g.router.SetGlobalModel(model)
	g.reply(msg, fmt.Sprintf("Model set to %s", model))
	return nil
}

func (g *Gateway) cmdModel(ctx context.Context, msg bus.InboundMessage) error {
	if name := msg.Command.Arg("new_model"); name != "" {
		model, ok := g.validModel(ctx, name)
		if !ok {
			g.modelNotFound(ctx, msg, name)
			return nil
		}
		g.router.SetGlobalModel(model)
		g.reply(msg, fmt.Sprintf("✅ Model changed to: `%s`", model))
		return nil
	}

	current := g.router.GlobalModel()
	if current == "" {
		current = g.cfg.Provider.DefaultModel
		g.router.SetGlobalModel(current)
	}

	allowed := g.cfg.Provider.AllowedModels
	lines := make([]string, 0, 6)
	for i, m := range allowed {
		if i == 5 {
			break
		}
		lines = append(lines, fmt.Sprintf("• `%s`", m))
	}
	if len(allowed) > 5 {
		lines = append(lines, fmt.Sprintf("• ... and %d more models", len(allowed)-5))
	}

	g.reply(msg, fmt.Sprintf("**Current model**: `%s`\n\n"+
		"To change models, use `/setmodel` (admin only) or add the 'new_model' parameter to this command.\n\n"+
		"**Available models include**:\n%s", current, strings.Join(lines, "\n")))
	return nil
}

func (g *Gateway) cmdSetSystem(msg bus.InboundMessage) error {
	prompt := msg.Command.Arg("new_prompt")
	g.router.SetGlobalSystemPrompt(prompt)
	g.reply(msg, fmt.Sprintf("System prompt updated! New prompt: \n```\n%s\n```", prompt))
	return nil
}

func (g *Gateway) cmdSetMemory(msg bus.InboundMessage) error {
	size, err := strconv.Atoi(msg.Command.Arg("size"))
	if err != nil || size < 5 || size > 100 {
		g.reply(msg, "Memory size must be between 5 and 100 messages.")
		return nil
	}
	g.store.SetMaxHistory(size)
	g.reply(msg, fmt.Sprintf("Channel memory size set to %d messages.", size))
	return nil
}

func (g *Gateway) cmdSetWindow(msg bus.InboundMessage) error {
	hours, err := strconv.Atoi(msg.Command.Arg("hours"))
	if err != nil || hours < 1 || hours > 96 {
		g.reply(msg, "Time window must be between 1 and 96 hours.")
		return nil
	}
	g.store.SetTimeWindowHours(hours)
	g.reply(msg, fmt.Sprintf("Channel memory time window set to %d hours.", hours))
	return nil
}

func (g *Gateway) cmdSetChannelModel(ctx context.Context, msg bus.InboundMessage) error {
	name := msg.Command.Arg("model_name")
	model, ok := g.validModel(ctx, name)
	if !ok {
		g.modelNotFound(ctx, msg, name)
		return nil
	}
	g.router.SetScopeModel(g.channelScope(msg), model)
	g.reply(msg, fmt.Sprintf("Model for this channel set to `%s`", model))
	return nil
}

func (g *Gateway) cmdChannelModel(msg bus.InboundMessage) error {
	if model, ok := g.router.ScopeModel(g.channelScope(msg)); ok {
		g.reply(msg, fmt.Sprintf("Current model for this channel: `%s`", model))
	} else {
		g.reply(msg, fmt.Sprintf("This channel uses the default model: `%s`", g.router.GlobalModel()))
	}
	return nil
}

func (g *Gateway) cmdResetChannelModel(msg bus.InboundMessage) error {
	if g.router.ClearScopeModel(g.channelScope(msg)) {
		g.reply(msg, fmt.Sprintf("This channel will now use the default model: `%s`", g.router.GlobalModel()))
	} else {
		g.reply(msg, fmt.Sprintf("This channel is already using the default model: `%s`", g.router.GlobalModel()))
	}
	return nil
}

func (g *Gateway) cmdSetChannelSystem(msg bus.InboundMessage) error {
	prompt := msg.Command.Arg("new_prompt")
	g.router.SetScopePrompt(g.channelScope(msg), prompt)

	chunks := chunkString(prompt, promptChunkLen)
	g.reply(msg, fmt.Sprintf("System prompt for this channel updated! New prompt: \n```\n%s\n```", chunks[0]))
	for _, c := range chunks[1:] {
		g.send(msg, fmt.Sprintf("```\n%s\n```", c))
	}
	return nil
}

func (g *Gateway) cmdChannelSystem(msg bus.InboundMessage) error {
	prompt, custom := g.router.ScopePrompt(g.channelScope(msg))
	lead := "Custom system prompt for this channel: "
	if !custom {
		prompt = g.router.GlobalSystemPrompt()
		lead = "This channel uses the default system prompt: "
	}

	chunks := chunkString(prompt, promptChunkLen)
	g.reply(msg, fmt.Sprintf("%s\n```\n%s\n```", lead, chunks[0]))
	for _, c := range chunks[1:] {
		g.send(msg, fmt.Sprintf("```\n%s\n```", c))
	}
	return nil
}

func (g *Gateway) cmdResetChannelSystem(msg bus.InboundMessage) error {
	if g.router.ClearScopePrompt(g.channelScope(msg)) {
		g.reply(msg, "✅ This channel will now use the default system prompt.")
	} else {
		g.reply(msg, "ℹ️ This channel is already using the default system prompt.")
	}
	return nil
}

// chunkString splits s into rune-safe pieces no longer than limit
// bytes. The result always has at least one element.
func chunkString(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var out []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}
