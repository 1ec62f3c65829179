package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockTurn scripts one provider round trip.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
	Err       error
	Delay     time.Duration
	// ChunkSize splits Text into multiple deltas; 0 emits one delta.
	ChunkSize int
}

// MockProvider replays scripted turns, recording every request it sees.
type MockProvider struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []MockTurn
	turnIdx  int
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		caps: Capabilities{ToolCalls: true, RequiresToolIDs: true},
	}
}

func (m *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	m.caps = caps
	return m
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Capabilities() Capabilities {
	return m.caps
}

// AddTurn appends a scripted turn.
func (m *MockProvider) AddTurn(turn MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
}

// AddTextResponse appends a turn that streams text and reports usage.
func (m *MockProvider) AddTextResponse(text string) {
	m.AddTurn(MockTurn{Text: text, Usage: &Usage{InputTokens: 10, OutputTokens: 5}})
}

// AddToolCall appends a turn that emits a single tool call.
func (m *MockProvider) AddToolCall(id, name string, args any) {
	data, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	m.AddTurn(MockTurn{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: data}}})
}

// AddError appends a turn that fails with err.
func (m *MockProvider) AddError(err error) {
	m.AddTurn(MockTurn{Err: err})
}

// Reset clears recorded requests and rewinds the turn index.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = nil
	m.turnIdx = 0
}

// CurrentTurn returns the next turn index to be served.
func (m *MockProvider) CurrentTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnIdx
}

func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	if m.turnIdx >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no turn scripted for request %d", len(m.Requests))
	}
	turn := m.turns[m.turnIdx]
	m.turnIdx++
	m.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(turn.Delay):
			}
		}
		if turn.Err != nil {
			return turn.Err
		}

		for _, chunk := range chunkText(turn.Text, turn.ChunkSize) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case events <- Event{Type: EventTextDelta, Text: chunk}:
			}
		}
		for i := range turn.ToolCalls {
			events <- Event{Type: EventToolCall, Tool: &turn.ToolCalls[i]}
		}
		if turn.Usage != nil {
			events <- Event{Type: EventUsage, Use: turn.Usage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

// chunkText splits text into chunks of at most size bytes. Size <= 0 yields
// the whole text as one chunk.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}
