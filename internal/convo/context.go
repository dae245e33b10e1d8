package convo

import (
	"fmt"
	"time"

	"github.com/lorehaven/scribe/internal/llm"
)

// ContextBuilder assembles the role/content sequence for an outbound
// LLM call from a scope's retained history. Building is also the
// recording step: the new message is appended before the window is
// applied, so one call both records and assembles.
type ContextBuilder struct {
	store *Store
	now   func() time.Time
}

func NewContextBuilder(store *Store) *ContextBuilder {
	return &ContextBuilder{store: store, now: time.Now}
}

// Build appends msg to the scope and returns the context window:
// messages newer than the configured window, capped to the history
// limit, in chronological order. User turns carry a "name: " prefix so
// the model can tell speakers apart in multi-user channels.
func (b *ContextBuilder) Build(scopeID string, msg Message) ([]llm.ChatMessage, error) {
	if err := b.store.Append(scopeID, msg); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	history := b.store.History(scopeID)
	cutoff := b.now().Add(-b.store.Window())

	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		if !m.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, flatten(m))
	}
	if max := b.store.MaxHistory(); len(out) > max {
		out = out[len(out)-max:]
	}
	// First message in a quiet scope, or a replayed timestamp outside
	// the window: the model still needs the message itself.
	if len(out) == 0 {
		out = append(out, flatten(msg))
	}
	return out, nil
}

// Window returns the scope's windowed history without recording
// anything, for read-only consumers like the summarizer.
func (b *ContextBuilder) Window(scopeID string) []llm.ChatMessage {
	history := b.store.History(scopeID)
	cutoff := b.now().Add(-b.store.Window())

	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		if !m.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, flatten(m))
	}
	if max := b.store.MaxHistory(); len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// BuildAdventure assembles the dungeon-master context for a channel's
// active adventure: the last five player actions paired with the
// narration each one received, ending with any actions still awaiting
// a reply. Callers record the current action first, so it arrives as
// the final user turn.
func (b *ContextBuilder) BuildAdventure(channelID string) ([]llm.ChatMessage, error) {
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	adv := b.store.adventures[channelID]
	if adv == nil || !adv.Active {
		return nil, ErrNoAdventure
	}

	limit := 5
	if len(adv.Actions) < limit {
		limit = len(adv.Actions)
	}
	start := len(adv.Actions) - limit

	out := make([]llm.ChatMessage, 0, 2*limit)
	for i := start; i < len(adv.Actions); i++ {
		a := adv.Actions[i]
		out = append(out, llm.ChatMessage{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("%s: %s", a.Player, a.Content),
		})
		if i < len(adv.Responses) {
			out = append(out, llm.ChatMessage{
				Role:    llm.RoleAssistant,
				Content: adv.Responses[i].Content,
			})
		}
	}
	return out, nil
}

// flatten maps a stored message onto the two-role wire shape the API
// accepts, folding the speaker name into the content.
func flatten(m Message) llm.ChatMessage {
	content := m.Content
	if m.Role == RoleUser && m.AuthorName != "" {
		content = fmt.Sprintf("%s: %s", m.AuthorName, m.Content)
	}
	return llm.ChatMessage{Role: string(m.Role), Content: content}
}
