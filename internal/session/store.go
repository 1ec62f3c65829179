package session

import "context"

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, opts ListOptions) ([]Summary, error)

	// Message operations - stores full llm.Message with Parts
	AddMessage(ctx context.Context, sessionID string, msg *Message) error
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)

	// Metrics operations (for incremental session saving)
	UpdateMetrics(ctx context.Context, id string, llmTurns, toolCalls, inputTokens, outputTokens int) error
	UpdateStatus(ctx context.Context, id string, status Status) error

	// Current session tracking (for auto-resume)
	SetCurrent(ctx context.Context, sessionID string) error
	GetCurrent(ctx context.Context) (*Session, error)

	Close() error
}

// NoopStore discards everything; used when sessions are disabled.
type NoopStore struct{}

func (NoopStore) Create(context.Context, *Session) error          { return nil }
func (NoopStore) Get(context.Context, string) (*Session, error)   { return nil, nil }
func (NoopStore) Update(context.Context, *Session) error          { return nil }
func (NoopStore) Delete(context.Context, string) error            { return nil }
func (NoopStore) List(context.Context, ListOptions) ([]Summary, error) {
	return nil, nil
}
func (NoopStore) AddMessage(context.Context, string, *Message) error { return nil }
func (NoopStore) GetMessages(context.Context, string) ([]Message, error) {
	return nil, nil
}
func (NoopStore) UpdateMetrics(context.Context, string, int, int, int, int) error { return nil }
func (NoopStore) UpdateStatus(context.Context, string, Status) error              { return nil }
func (NoopStore) SetCurrent(context.Context, string) error                        { return nil }
func (NoopStore) GetCurrent(context.Context) (*Session, error)                    { return nil, nil }
func (NoopStore) Close() error                                                    { return nil }
