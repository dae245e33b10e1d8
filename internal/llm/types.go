// Package llm provides the OpenRouter chat-completions client and the
// model catalog. The client is stateless with respect to conversation
// scopes: model and system prompt arrive as request parameters, never
// as client fields, so concurrent calls for different scopes cannot
// race on shared configuration.
package llm

// Chat roles understood by the completions API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of an outbound conversation, oldest first.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageAttachment is an inline image forwarded to vision-capable
// models as a base64 data URL.
type ImageAttachment struct {
	Name string
	MIME string
	Data []byte
}

// Request is a single chat-completion call.
type Request struct {
	Messages     []ChatMessage
	Model        string
	SystemPrompt string
	Images       []ImageAttachment
}
