// Package convo is the conversation-state core: per-scope message logs
// with bounded history, scope resolution with adoption and short-id
// aliases, LLM context assembly, layered model routing, retention
// sweeps, and versioned JSON persistence.
package convo

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one retained conversation turn. AuthorName is set only on
// user turns; the JSON keys match the persisted state document.
type Message struct {
	Role       Role      `json:"role"`
	AuthorName string    `json:"name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserMessage builds a user turn attributed to the given display name.
func UserMessage(name, content string, ts time.Time) Message {
	return Message{Role: RoleUser, AuthorName: name, Content: content, Timestamp: ts}
}

// AssistantMessage builds an assistant turn.
func AssistantMessage(content string, ts time.Time) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: ts}
}
