package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/imagine"
)

const workerUnconfiguredText = "⚠️ Cloudflare Worker is not configured. Set CLOUDFLARE_WORKER_URL to enable image dreaming."

// updateProgress rewrites the deferred placeholder on an interval until
// ctx is cancelled, so long generations stay visibly alive. The dots
// cycle and the elapsed seconds grow with each tick.
func (g *Gateway) updateProgress(ctx context.Context, msg bus.InboundMessage, interval time.Duration, step func(dots string, elapsed int) string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dots := 1
	elapsed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += int(interval.Seconds())
			g.progress(msg, step(strings.Repeat(".", dots), elapsed))
			dots = dots%3 + 1
		}
	}
}

// cmdImagine generates an image on AI Horde, reporting queue progress
// while the job waits for a worker.
func (g *Gateway) cmdImagine(ctx context.Context, msg bus.InboundMessage) error {
	prompt := msg.Command.Arg("prompt")
	negative := msg.Command.Arg("negative_prompt")
	size := msg.Command.Arg("size")
	if size == "" {
		size = "512x512"
	}
	model := msg.Command.Arg("model")
	if model == "" {
		model = "stable_diffusion_2.1"
	}
	width, height := parseSize(size, 512)

	g.progress(msg, fmt.Sprintf("🎨 Generating: `%s`\n\n*This may take 1-5 minutes with AI Horde. Please be patient...*", prompt))

	pctx, stopProgress := context.WithCancel(ctx)
	go g.updateProgress(pctx, msg, 10*time.Second, func(dots string, elapsed int) string {
		return fmt.Sprintf("🎨 Generating: `%s`\n\n*Waiting in AI Horde queue%s (%ds)*", prompt, dots, elapsed)
	})

	start := time.Now()
	img, err := g.horde.Generate(ctx, imagine.GenerateOptions{
		Prompt:         prompt,
		NegativePrompt: negative,
		Width:          width,
		Height:         height,
		Model:          model,
	})
	stopProgress()
	if err != nil {
		g.metrics.RecordImageRequest("horde", "error", time.Since(start))
		g.reply(msg, fmt.Sprintf("⚠️ Failed to generate image: %v", err))
		return err
	}
	g.metrics.RecordImageRequest("horde", "ok", time.Since(start))

	resultModel := img.Model
	if resultModel == "" {
		resultModel = model
	}
	seed := img.Seed
	if seed == "" {
		seed = "unknown"
	}
	embed := &bus.Embed{
		Title:       "Generated Image",
		Description: fmt.Sprintf("**Prompt:** %s\n**Model:** %s\n**Seed:** %s", prompt, resultModel, seed),
		Color:       colorBlue,
	}
	if negative != "" {
		embed.Fields = append(embed.Fields, bus.EmbedField{Name: "Negative Prompt", Value: negative})
	}

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		ReplyTo: msg.ReplyTag(),
		Embed:   embed,
	}
	if img.URL != "" {
		embed.ImageURL = img.URL
	} else {
		out.ImageData = img.Data
		out.ImageName = "generated_image.png"
	}
	g.bus.Outbound <- out
	return nil
}

// cmdDream generates an image on the Cloudflare worker, which runs the
// flux1 schnell model and answers in seconds rather than minutes.
func (g *Gateway) cmdDream(ctx context.Context, msg bus.InboundMessage) error {
	if g.worker == nil {
		g.reply(msg, workerUnconfiguredText)
		return nil
	}
	prompt := msg.Command.Arg("prompt")

	g.progress(msg, fmt.Sprintf("✨ Dreaming: `%s`\n\n*Generating image with flux1 schnell model...*", prompt))

	pctx, stopProgress := context.WithCancel(ctx)
	go g.updateProgress(pctx, msg, 4*time.Second, func(dots string, elapsed int) string {
		return fmt.Sprintf("✨ Dreaming: `%s`\n\n*Generating image with flux1 schnell%s (%ds)*", prompt, dots, elapsed)
	})

	start := time.Now()
	img, err := g.worker.Generate(ctx, prompt)
	stopProgress()
	if err != nil {
		g.metrics.RecordImageRequest("worker", "error", time.Since(start))
		g.reply(msg, fmt.Sprintf("⚠️ Failed to generate image: %v", err))
		return err
	}
	g.metrics.RecordImageRequest("worker", "ok", time.Since(start))

	seed := img.Seed
	if seed == "" {
		seed = "unknown"
	}
	embed := &bus.Embed{
		Title:       "Generated Image",
		Description: fmt.Sprintf("**Prompt:** %s\n**Model:** flux1 schnell\n**Seed:** %s", prompt, seed),
		Color:       colorPurple,
	}

	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  destination(msg),
		ReplyTo: msg.ReplyTag(),
		Embed:   embed,
	}
	if img.URL != "" {
		embed.ImageURL = img.URL
	} else {
		out.ImageData = img.Data
		out.ImageName = "generated_image.jpg"
	}
	g.bus.Outbound <- out
	return nil
}

// cmdCftest probes the Cloudflare worker and reports what kind of
// response it serves.
func (g *Gateway) cmdCftest(ctx context.Context, msg bus.InboundMessage) error {
	if g.worker == nil {
		g.reply(msg, workerUnconfiguredText)
		return nil
	}

	g.reply(msg, "Testing connection to Cloudflare Worker...")

	res, err := g.worker.Ping(ctx)
	if err != nil {
		g.sendEmbed(msg, "", &bus.Embed{
			Title:       "❌ Cloudflare Worker Connection Failed",
			Description: fmt.Sprintf("Error connecting to: `%s`", g.cfg.Worker.URL),
			Color:       colorRed,
			Fields: []bus.EmbedField{
				{Name: "Error Details", Value: err.Error()},
				{Name: "Recommended Actions", Value: "• Verify the worker URL in your .env file\n" +
					"• Check that your worker is deployed\n" +
					"• Try the curl command again to verify it's still working"},
			},
		})
		return nil
	}

	embed := &bus.Embed{
		Title:       "✅ Cloudflare Worker Connection Successful",
		Description: fmt.Sprintf("Connected to: `%s`", g.cfg.Worker.URL),
		Color:       colorGreen,
	}
	switch res.Kind {
	case "json":
		embed.Fields = []bus.EmbedField{
			{Name: "Response Type", Value: "JSON data"},
			{Name: "Response Data", Value: fmt.Sprintf("```json\n%s\n```", res.Preview)},
		}
	case "image":
		embed.Fields = []bus.EmbedField{
			{Name: "Response Type", Value: fmt.Sprintf("Direct image data (%d bytes)", res.Size)},
			{Name: "Worker Status", Value: "✅ Worker is returning images directly as binary data"},
		}
	default:
		embed.Fields = []bus.EmbedField{
			{Name: "Response Type", Value: res.Kind},
			{Name: "Content Type", Value: fmt.Sprintf("`%s`", res.ContentType)},
		}
	}
	g.sendEmbed(msg, "", embed)
	return nil
}

// cmdHordeModels lists the image models currently staffed on AI Horde.
func (g *Gateway) cmdHordeModels(ctx context.Context, msg bus.InboundMessage) error {
	models, err := g.horde.Models(ctx)
	if err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Failed to get models: %v", err))
		return err
	}

	top := models
	if len(top) > 15 {
		top = top[:15]
	}
	lines := make([]string, 0, len(top))
	for _, m := range top {
		lines = append(lines, fmt.Sprintf("• **%s** - %d workers, %d queued", m.Name, m.Count, m.Queued))
	}
	value := strings.Join(lines, "\n")
	if value == "" {
		value = "No models available"
	}

	g.replyEmbed(msg, "", &bus.Embed{
		Title:       "Available AI Horde Models",
		Description: "These models are currently available for image generation:",
		Color:       colorBlue,
		Fields:      []bus.EmbedField{{Name: "Top Models by Availability", Value: value}},
	})
	return nil
}

// parseSize parses a "WxH" size option, falling back to a square of
// def when malformed.
func parseSize(s string, def int) (int, int) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return def, def
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return def, def
	}
	return w, h
}
