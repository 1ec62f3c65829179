package session

import (
	"strings"
	"time"

	"github.com/NickPittas/littlellm-sub005/internal/llm"
)

// Status represents the current state of a session.
type Status string

const (
	StatusActive      Status = "active"      // Session is open (may be streaming)
	StatusComplete    Status = "complete"    // Session finished normally
	StatusError       Status = "error"       // Session ended with an error
	StatusInterrupted Status = "interrupted" // Session was cancelled by user
)

// Session represents a chat session stored in the database.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"` // first user message
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Session metrics
	UserTurns    int    `json:"user_turns,omitempty"`
	LLMTurns     int    `json:"llm_turns,omitempty"`
	ToolCalls    int    `json:"tool_calls,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Status       Status `json:"status,omitempty"`
}

// Message represents a message in a session. Parts stores the full
// llm.Message.Parts as JSON to preserve tool calls and results exactly.
type Message struct {
	ID          int64      `json:"id"`
	SessionID   string     `json:"session_id"`
	Role        llm.Role   `json:"role"`
	Parts       []llm.Part `json:"parts"`
	TextContent string     `json:"text_content"` // extracted text for display/search
	CreatedAt   time.Time  `json:"created_at"`
	Sequence    int        `json:"sequence"`
}

// Summary is a lightweight view of a session for listing.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Status       Status    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions filters session listings.
type ListOptions struct {
	Limit  int
	Offset int
}

// FromLLMMessage converts an llm.Message into a session message.
func FromLLMMessage(sessionID string, msg llm.Message) *Message {
	return &Message{
		SessionID:   sessionID,
		Role:        msg.Role,
		Parts:       msg.Parts,
		TextContent: msg.TextContent(),
	}
}

// ToLLMMessage converts a stored message back for the engine.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{Role: m.Role, Parts: m.Parts}
}

// SummaryFromText derives a short session summary from a user message.
func SummaryFromText(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxLen = 80
	if len(text) > maxLen {
		text = text[:maxLen] + "…"
	}
	return text
}
