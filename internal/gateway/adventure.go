package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorehaven/scribe/internal/adventure"
	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/convo"
	"github.com/lorehaven/scribe/internal/llm"
)

const noAdventureText = "⚠️ There's no active adventure in this channel. Start one with `/adventure start`."

// dungeonMaster runs one narration turn against the channel's effective
// model with the dungeon-master persona.
func (g *Gateway) dungeonMaster(ctx context.Context, scopeID string, msgs []llm.ChatMessage) (string, error) {
	model := g.router.EffectiveModel(scopeID)
	start := time.Now()
	reply, err := g.completer.Send(ctx, llm.Request{
		Messages:     msgs,
		Model:        model,
		SystemPrompt: g.promptLib.DungeonMaster,
	})
	if err != nil {
		g.metrics.RecordLLMRequest(model, "error", time.Since(start))
		return "", err
	}
	g.metrics.RecordLLMRequest(model, "ok", time.Since(start))
	return reply, nil
}

// cmdAdventureStart opens a channel adventure and narrates the opening
// scene. One adventure per channel.
func (g *Gateway) cmdAdventureStart(ctx context.Context, msg bus.InboundMessage) error {
	setting := msg.Command.Arg("setting")
	if setting == "" {
		setting = "Fantasy"
	}
	description := msg.Command.Arg("description")
	channelID := g.channelScope(msg)

	if _, active := g.store.ActiveAdventure(channelID); active {
		g.reply(msg, "⚠️ There's already an active adventure in this channel. End it with `/adventure end` before starting a new one.")
		return nil
	}
	if setting == "Custom" && description == "" {
		g.reply(msg, "⚠️ You must provide a description when selecting the Custom setting.")
		return nil
	}

	if _, err := g.store.StartAdventure(channelID, setting, msg.SenderName, g.now()); err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	opening := g.promptLib.OpeningMessage(g.promptLib.SettingPrompt(setting, description))
	scene, err := g.dungeonMaster(ctx, channelID, []llm.ChatMessage{{Role: llm.RoleUser, Content: opening}})
	if err != nil {
		// The adventure stays open; players can retry with an action.
		g.reply(msg, warnText(err))
		return err
	}
	if err := g.store.AddNarration(channelID, convo.NarratorTurn{Content: scene, Timestamp: g.now()}); err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	g.replyEmbed(msg, "", &bus.Embed{
		Title:       fmt.Sprintf("🎲 New Adventure: %s Realm", setting),
		Description: scene,
		Color:       colorDarkGold,
		Footer:      fmt.Sprintf("Adventure started by %s | Use /adventure action to continue", msg.SenderName),
	})
	return nil
}

// cmdAdventureAction records a player action and narrates the outcome.
func (g *Gateway) cmdAdventureAction(ctx context.Context, msg bus.InboundMessage) error {
	action := msg.Command.Arg("action")
	channelID := g.channelScope(msg)

	if _, active := g.store.ActiveAdventure(channelID); !active {
		g.reply(msg, noAdventureText)
		return nil
	}
	if err := g.store.AddAction(channelID, convo.PlayerAction{
		Player:    msg.SenderName,
		Content:   action,
		Timestamp: g.stamp(msg),
	}); err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	echo := fmt.Sprintf("🎭 **%s**: %s", msg.SenderName, action)
	g.progress(msg, echo+"\n\n*The Dungeon Master is thinking...*")

	history, err := g.builder.BuildAdventure(channelID)
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	narration, err := g.dungeonMaster(ctx, channelID, history)
	if err != nil {
		g.reply(msg, warnText(err))
		return err
	}
	if err := g.store.AddNarration(channelID, convo.NarratorTurn{Content: narration, Timestamp: g.now()}); err != nil {
		g.reply(msg, warnText(err))
		return err
	}

	g.replyEmbed(msg, echo, &bus.Embed{
		Title:       "🎲 Dungeon Master",
		Description: narration,
		Color:       colorDarkPurple,
	})
	return nil
}

// cmdAdventureRoll rolls dice. Inside an active adventure the result is
// also recorded as a player action so the narrator can react to it.
func (g *Gateway) cmdAdventureRoll(msg bus.InboundMessage) error {
	notation := msg.Command.Arg("dice")

	roll, err := adventure.ParseRoll(notation)
	if err != nil {
		if errors.Is(err, adventure.ErrLimits) {
			g.reply(msg, fmt.Sprintf("⚠️ Maximum limits: %d dice and d%d", adventure.MaxDice, adventure.MaxSides))
		} else {
			g.reply(msg, "⚠️ Invalid dice format. Use formats like `1d20`, `2d6`, or `3d8+2`.")
		}
		return nil
	}
	result := roll.Do(nil)

	embed := &bus.Embed{
		Title:  fmt.Sprintf("🎲 Dice Roll: %s", notation),
		Color:  colorBlue,
		Footer: fmt.Sprintf("Rolled by %s", msg.SenderName),
		Fields: []bus.EmbedField{{Name: "Rolls", Value: result.FacesLine()}},
	}
	if mod := result.ModifierLine(); mod != "" {
		embed.Fields = append(embed.Fields, bus.EmbedField{Name: "Modifier", Value: mod, Inline: true})
	}
	embed.Fields = append(embed.Fields, bus.EmbedField{Name: "Total", Value: strconv.Itoa(result.Total), Inline: true})

	channelID := g.channelScope(msg)
	if _, active := g.store.ActiveAdventure(channelID); active {
		_ = g.store.AddAction(channelID, convo.PlayerAction{
			Player:    msg.SenderName,
			Content:   fmt.Sprintf("rolled %s and got %d", notation, result.Total),
			Timestamp: g.now(),
		})
	}

	g.replyEmbed(msg, "", embed)
	return nil
}

func (g *Gateway) cmdAdventureStatus(msg bus.InboundMessage) error {
	adv, active := g.store.ActiveAdventure(g.channelScope(msg))
	if !active {
		g.reply(msg, noAdventureText)
		return nil
	}

	embed := &bus.Embed{
		Title:       "🎲 Adventure Status",
		Description: fmt.Sprintf("Setting: %s", adv.Setting),
		Color:       colorGreen,
		Fields: []bus.EmbedField{
			{Name: "Started By", Value: adv.StartedBy, Inline: true},
			{Name: "Duration", Value: formatDuration(g.now().Sub(adv.StartedAt)), Inline: true},
			{Name: "Actions", Value: strconv.Itoa(len(adv.Actions)), Inline: true},
		},
	}

	if len(adv.Actions) > 0 {
		recent := adv.Actions
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		lines := make([]string, 0, len(recent))
		for _, a := range recent {
			lines = append(lines, fmt.Sprintf("• **%s**: %s", a.Player, truncate(a.Content, 50)))
		}
		embed.Fields = append(embed.Fields, bus.EmbedField{Name: "Recent Actions", Value: strings.Join(lines, "\n")})
	}

	g.replyEmbed(msg, "", embed)
	return nil
}

func (g *Gateway) cmdAdventureEnd(msg bus.InboundMessage) error {
	adv, err := g.store.EndAdventure(g.channelScope(msg), msg.SenderName, g.now())
	if err != nil {
		g.reply(msg, "⚠️ There's no active adventure in this channel.")
		return nil
	}

	g.replyEmbed(msg, "", &bus.Embed{
		Title:       "🎲 Adventure Concluded",
		Description: fmt.Sprintf("Your %s adventure has ended.", adv.Setting),
		Color:       colorDarkRed,
		Fields: []bus.EmbedField{
			{Name: "Started By", Value: adv.StartedBy, Inline: true},
			{Name: "Ended By", Value: adv.EndedBy, Inline: true},
			{Name: "Duration", Value: formatDuration(adv.EndedAt.Sub(adv.StartedAt)), Inline: true},
			{Name: "Actions", Value: strconv.Itoa(len(adv.Actions)), Inline: true},
		},
	})
	return nil
}
