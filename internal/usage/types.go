package usage

import "time"

// Entry represents a single completed request's token usage.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// TotalTokens returns the sum of input and output tokens.
func (e Entry) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}

// DailyUsage represents aggregated usage for a single day.
type DailyUsage struct {
	Date         string // YYYY-MM-DD format
	InputTokens  int
	OutputTokens int
	ModelsUsed   []string
}

// TotalTokens returns the day's combined token count.
func (d DailyUsage) TotalTokens() int {
	return d.InputTokens + d.OutputTokens
}
