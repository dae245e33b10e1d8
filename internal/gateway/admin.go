package gateway

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/lorehaven/scribe/internal/bus"
)

// Connectivity probes go through these so tests can fake the network.
var (
	dialTimeout = net.DialTimeout
	lookupHost  = net.LookupHost
)

const probeHost = "openrouter.ai"

// cmdDiagnostic runs connectivity and configuration checks and reports
// them in one embed.
func (g *Gateway) cmdDiagnostic(ctx context.Context, msg bus.InboundMessage) error {
	embed := &bus.Embed{
		Title:       "Scribe Diagnostic Report",
		Description: "Checking system status and connections...",
		Color:       colorBlue,
	}

	embed.Fields = append(embed.Fields, bus.EmbedField{
		Name:  "Go Version",
		Value: fmt.Sprintf("Go %s", strings.TrimPrefix(runtime.Version(), "go")),
	})

	if conn, err := dialTimeout("tcp", probeHost+":443", 5*time.Second); err == nil {
		conn.Close()
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "Internet Connectivity", Value: "✅ Connected to the internet",
		})
	} else {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "Internet Connectivity", Value: "❌ Failed to connect to the internet",
		})
	}

	if _, err := lookupHost(probeHost); err == nil {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "DNS Resolution", Value: fmt.Sprintf("✅ DNS resolving correctly for %s", probeHost),
		})
	} else {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "DNS Resolution", Value: fmt.Sprintf("❌ Failed to resolve DNS for %s", probeHost),
		})
	}

	embed.Fields = append(embed.Fields, bus.EmbedField{
		Name: "Current Global Model", Value: fmt.Sprintf("`%s`", g.router.GlobalModel()),
	})
	if m, ok := g.router.ScopeModel(g.channelScope(msg)); ok {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "Channel-Specific Model", Value: fmt.Sprintf("`%s`", m),
		})
	}

	// The model travels with each request, so nothing can drift between
	// handlers; the useful check left is catalog freshness.
	if models, err := g.catalog.Models(ctx); err != nil {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "Model Catalog", Value: fmt.Sprintf("❌ Catalog unavailable: %v", err),
		})
	} else {
		embed.Fields = append(embed.Fields, bus.EmbedField{
			Name: "Model Catalog",
			Value: fmt.Sprintf("✅ %d models cached (updated %s)",
				len(models), g.catalog.LastUpdate().Format("2006-01-02 15:04")),
		})
	}

	g.replyEmbed(msg, "", embed)
	return nil
}

// cmdSyncModels forces a catalog refresh from the provider.
func (g *Gateway) cmdSyncModels(ctx context.Context, msg bus.InboundMessage) error {
	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := g.catalog.Refresh(rctx, true); err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Model sync failed: %v", err))
		return err
	}

	models, _ := g.catalog.Models(ctx)
	g.replyEmbed(msg, "", &bus.Embed{
		Title: "Model Synchronization",
		Description: fmt.Sprintf("✅ Model catalog refreshed: %d models available.\nGlobal model: `%s`",
			len(models), g.router.GlobalModel()),
		Color: colorGreen,
	})
	return nil
}

// cmdVisionModels lists the models that accept image input. With an
// allow-list configured only its vision-capable entries are shown.
func (g *Gateway) cmdVisionModels(ctx context.Context, msg bus.InboundMessage) error {
	var vision []string
	if allowed := g.cfg.Provider.AllowedModels; len(allowed) > 0 {
		for _, m := range allowed {
			if g.catalog.SupportsVision(ctx, m) {
				vision = append(vision, m)
			}
		}
	} else {
		var err error
		vision, err = g.catalog.VisionModels(ctx)
		if err != nil {
			g.reply(msg, fmt.Sprintf("⚠️ Failed to get models: %v", err))
			return err
		}
	}

	value := "No vision-capable models found in your allowed models list."
	if len(vision) > 0 {
		shown := vision
		if len(shown) > 20 {
			shown = shown[:20]
		}
		lines := make([]string, 0, len(shown)+1)
		for _, m := range shown {
			lines = append(lines, fmt.Sprintf("• `%s`", m))
		}
		if rest := len(vision) - len(shown); rest > 0 {
			lines = append(lines, fmt.Sprintf("• ... and %d more models", rest))
		}
		value = strings.Join(lines, "\n")
	}

	current := g.router.GlobalModel()
	if current == "" {
		current = g.cfg.Provider.DefaultModel
	}
	verdict := "❌ does not support"
	if g.catalog.SupportsVision(ctx, current) {
		verdict = "✅ supports"
	}

	g.replyEmbed(msg, "", &bus.Embed{
		Title:       "Vision-Capable Models",
		Description: "These models can analyze images:",
		Color:       colorBlue,
		Fields: []bus.EmbedField{
			{Name: "Available Vision Models", Value: value},
			{Name: "Current Model", Value: fmt.Sprintf("`%s` %s image analysis", current, verdict)},
		},
	})
	return nil
}

// cmdSave snapshots the store to disk on demand.
func (g *Gateway) cmdSave(msg bus.InboundMessage) error {
	if err := g.persist.Save(); err != nil {
		g.metrics.RecordSave("error")
		g.reply(msg, fmt.Sprintf("⚠️ Save failed: %v", err))
		return err
	}
	g.metrics.RecordSave("ok")
	g.refreshStoreGauges()

	st := g.store.Snapshot()
	g.reply(msg, fmt.Sprintf("✅ State saved: %d channels, %d threads, %d messages.",
		st.Channels, st.Threads, st.Messages))
	return nil
}

// cmdLoad reloads the store from disk, replacing in-memory state.
func (g *Gateway) cmdLoad(msg bus.InboundMessage) error {
	restored, err := g.persist.Load()
	if err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Load failed: %v", err))
		return err
	}
	g.refreshStoreGauges()
	if !restored {
		g.reply(msg, "No saved state found. Starting with a fresh store.")
		return nil
	}

	st := g.store.Snapshot()
	g.reply(msg, fmt.Sprintf("✅ State loaded: %d channels, %d threads, %d messages.",
		st.Channels, st.Threads, st.Messages))
	return nil
}

// cmdPrune runs the retention sweep immediately.
func (g *Gateway) cmdPrune(msg bus.InboundMessage) error {
	summary := g.runSweep()
	if summary.Empty() {
		g.reply(msg, "Nothing to prune. All conversations are within their retention windows.")
		return nil
	}
	g.reply(msg, fmt.Sprintf("🧹 Pruned %d channels, %d threads, %d adventures (%d messages).",
		summary.ChannelsPruned, summary.ThreadsPruned, summary.AdventuresPruned, summary.MessagesPruned))
	return nil
}
