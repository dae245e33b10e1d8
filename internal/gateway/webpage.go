package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/lorehaven/scribe/internal/bus"
	"github.com/lorehaven/scribe/internal/llm"
)

const (
	// maxPageText caps how much extracted page text goes to the model.
	maxPageText = 12000
	// embedTextCap leaves headroom under Discord's 4096-char embed
	// description limit.
	embedTextCap = 4000
)

const webSummarySystem = "You are a helpful AI that summarizes web content clearly and accurately. Keep your summaries concise."

// cmdSummarizeURL fetches a web page, extracts its readable text, and
// asks the model for a summary. The summary is not recorded into the
// conversation history.
func (g *Gateway) cmdSummarizeURL(ctx context.Context, msg bus.InboundMessage) error {
	url := msg.Command.Arg("url")
	detailed := msg.Command.Arg("detailed") == "true"

	g.progress(msg, fmt.Sprintf("📄 Fetching content from: %s", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Error processing URL: %v", err))
		return err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Error processing URL: %v", err))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		g.reply(msg, fmt.Sprintf("⚠️ Error: Could not access URL (Status code: %d)", resp.StatusCode))
		return nil
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		g.reply(msg, fmt.Sprintf("⚠️ Error processing URL: %v", err))
		return err
	}
	title, text := extractPage(doc)
	if title == "" {
		title = "No title found"
	}
	if len(text) > maxPageText {
		text = truncateRunes(text, maxPageText) + "... [content truncated due to length]"
	}

	g.progress(msg, fmt.Sprintf("📝 Analyzing content from: %s", url))

	prompt := fmt.Sprintf("Please provide a concise summary (5-7 bullet points, maximum 2000 characters) of this web page content:\n\nTitle: %s\n\nContent: %s", title, text)
	if detailed {
		prompt = fmt.Sprintf("Please provide a detailed summary of this web page content in bullet point format, organized by sections. Include key information, main arguments, and important data points. Keep your summary concise (maximum 3000 characters):\n\nTitle: %s\n\nContent: %s", title, text)
	}

	model := g.router.EffectiveModel(g.channelScope(msg))
	start := time.Now()
	summary, err := g.completer.Send(ctx, llm.Request{
		Model:        model,
		SystemPrompt: webSummarySystem,
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		g.metrics.RecordLLMRequest(model, "error", time.Since(start))
		g.reply(msg, fmt.Sprintf("⚠️ Error processing URL: %v", err))
		return err
	}
	g.metrics.RecordLLMRequest(model, "ok", time.Since(start))

	embed := &bus.Embed{
		Title:  fmt.Sprintf("Summary of: %s", title),
		URL:    url,
		Color:  colorBlue,
		Footer: fmt.Sprintf("Requested by %s • %s", msg.SenderName, model),
	}
	if len(summary) <= embedTextCap {
		embed.Description = summary
		g.replyEmbed(msg, "", embed)
		return nil
	}

	first := truncateRunes(summary, embedTextCap)
	embed.Description = first + "\n\n*Summary continues in next message...*"
	g.replyEmbed(msg, "", embed)

	remaining := fmt.Sprintf("**Summary continued:**\n\n%s", summary[len(first):])
	if len(remaining) > discordMessageLimit {
		remaining = truncateRunes(remaining, discordMessageLimit-3) + "..."
	}
	g.send(msg, remaining)
	return nil
}

// skippedTags are subtrees that carry page chrome rather than content.
var skippedTags = map[string]bool{
	"script": true,
	"style":  true,
	"header": true,
	"footer": true,
	"nav":    true,
}

// extractPage pulls the document title and the visible text, one
// trimmed line per text fragment, blank lines dropped.
func extractPage(doc *html.Node) (title, text string) {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedTags[n.Data] {
				return
			}
			if n.Data == "title" && title == "" {
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					lines = append(lines, line)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, strings.Join(lines, "\n")
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
