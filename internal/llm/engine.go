package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/NickPittas/littlellm-sub005/internal/usage"
)

const defaultMaxTurns = 10

func getMaxTurns(req Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	return defaultMaxTurns
}

// Engine orchestrates provider calls and external tool execution. One
// Stream call is a single logical request pipeline; it may span multiple
// network round trips when the model asks for tools.
type Engine struct {
	provider Provider
	tools    ToolRegistry
	executor *ToolExecutor
	capCache *CapabilityCache
	usageLog *usage.Logger
}

// NewEngine builds an engine around a provider and a tool registry. The
// registry may be nil for pure-chat use.
func NewEngine(provider Provider, tools ToolRegistry) *Engine {
	return &Engine{
		provider: provider,
		tools:    tools,
		executor: NewToolExecutor(DefaultExecutorConfig()),
	}
}

// SetExecutor replaces the tool executor (parallelism, timeouts).
func (e *Engine) SetExecutor(ex *ToolExecutor) {
	if ex != nil {
		e.executor = ex
	}
}

// capabilityCacheSetter is implemented by providers (and decorators) that
// consult the shared model-capability cache.
type capabilityCacheSetter interface {
	SetCapabilityCache(*CapabilityCache)
}

// SetCapabilityCache injects a shared model-capability cache.
func (e *Engine) SetCapabilityCache(c *CapabilityCache) {
	e.capCache = c
	if setter, ok := e.provider.(capabilityCacheSetter); ok {
		setter.SetCapabilityCache(c)
	}
}

// SetUsageLogger enables token usage logging for completed streams.
func (e *Engine) SetUsageLogger(l *usage.Logger) {
	e.usageLog = l
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() ToolRegistry {
	return e.tools
}

// Stream returns a stream for the request, running the agentic loop when
// tools are in play.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	if len(req.Tools) == 0 && e.tools != nil {
		req.Tools = e.tools.ListTools()
	}
	req.Messages = sanitizeToolHistory(req.Messages)

	useLoop := len(req.Tools) > 0 && e.provider.Capabilities().ToolCalls && e.tools != nil
	if useLoop {
		stream := newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
			return e.runLoop(ctx, req, events)
		})
		return e.wrapUsageLogging(stream, req.Model), nil
	}

	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.wrapUsageLogging(stream, req.Model), nil
}

// runLoop is the per-request control loop: stream a turn, execute any tool
// calls, build the follow-up, repeat until the model stops asking for tools
// or the turn ceiling is hit. The follow-up request keeps the full message
// history (system prompt and latest user turn included) and the tool list,
// so providers supporting multi-hop chains may issue further calls.
func (e *Engine) runLoop(ctx context.Context, req Request, events chan<- Event) error {
	maxTurns := getMaxTurns(req)
	requiresIDs := e.provider.Capabilities().RequiresToolIDs

	for attempt := 0; attempt < maxTurns; attempt++ {
		if attempt > 0 {
			req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		}

		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return err
		}

		var toolCalls []ToolCall
		var textBuilder strings.Builder
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return err
			}
			if event.Type == EventError && event.Err != nil {
				stream.Close()
				return event.Err
			}
			switch event.Type {
			case EventTextDelta:
				textBuilder.WriteString(event.Text)
				events <- event
			case EventToolCall:
				if event.Tool != nil {
					toolCalls = append(toolCalls, *event.Tool)
				}
			case EventDone:
				// Swallowed; the loop emits its own terminal Done.
			default:
				events <- event
			}
		}
		stream.Close()

		if len(toolCalls) == 0 {
			events <- Event{Type: EventDone}
			return nil
		}

		if attempt == maxTurns-1 {
			return fmt.Errorf("agentic loop exceeded max turns (%d)", maxTurns)
		}

		// A provider that correlates by id must always supply one.
		if requiresIDs {
			for _, call := range toolCalls {
				if strings.TrimSpace(call.ID) == "" {
					return fmt.Errorf("%w: provider requires tool call ids but %q arrived without one", ErrProtocolViolation, call.Name)
				}
			}
		}
		toolCalls = ensureToolCallIDs(toolCalls)

		for _, call := range toolCalls {
			events <- Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}
		}

		ex := *e.executor
		ex.OnExecEnd = func(call ToolCall, result ToolResult) {
			events <- Event{
				Type:        EventToolExecEnd,
				ToolCallID:  call.ID,
				ToolName:    call.Name,
				ToolSuccess: !result.IsError,
				ToolOutput:  result.Content,
			}
		}
		results := ex.Execute(ctx, toolCalls, e.tools.Execute)

		// Cancellation observed while executing: no follow-up is issued.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := verifyResultIDs(toolCalls, results); err != nil {
			return err
		}

		if req.Debug {
			events <- Event{Type: EventTextDelta, Text: "\n" + SummarizeResults(results) + "\n"}
		}

		req.Messages = append(req.Messages, buildAssistantMessage(textBuilder.String(), toolCalls))
		for _, result := range results {
			if result.IsError {
				req.Messages = append(req.Messages, ToolErrorMessage(result.ID, result.Name, result.Content))
			} else {
				req.Messages = append(req.Messages, ToolResultMessage(result.ID, result.Name, result.Content))
			}
		}
	}

	return fmt.Errorf("agentic loop ended unexpectedly")
}

// SendMessage drives a full request to completion, invoking onEvent for
// each streamed event, and returns the aggregated response. Partial
// content already streamed before a failure is kept in the response.
func (e *Engine) SendMessage(ctx context.Context, req Request, onEvent func(Event)) (*Response, error) {
	stream, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	resp := &Response{}
	var content strings.Builder
	var total Usage
	var sawUsage bool

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			resp.Content = content.String()
			if sawUsage {
				resp.Usage = &total
			}
			return resp, err
		}
		if onEvent != nil {
			onEvent(event)
		}
		switch event.Type {
		case EventTextDelta:
			content.WriteString(event.Text)
		case EventUsage:
			if event.Use != nil {
				total.InputTokens += event.Use.InputTokens
				total.OutputTokens += event.Use.OutputTokens
				sawUsage = true
			}
		case EventToolExecStart:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: event.ToolCallID, Name: event.ToolName})
		}
	}

	resp.Content = content.String()
	if sawUsage {
		resp.Usage = &total
	}
	return resp, nil
}

// verifyResultIDs enforces the id-correlation invariant: the result id set
// must equal the call id set exactly. A mismatch is fatal for the run.
func verifyResultIDs(calls []ToolCall, results []ToolResult) error {
	want := make(map[string]bool, len(calls))
	for _, call := range calls {
		want[call.ID] = true
	}
	got := make(map[string]bool, len(results))
	for _, result := range results {
		if !want[result.ID] {
			return fmt.Errorf("%w: tool result id %q has no matching call", ErrProtocolViolation, result.ID)
		}
		got[result.ID] = true
	}
	for id := range want {
		if !got[id] {
			return fmt.Errorf("%w: tool call id %q has no result", ErrProtocolViolation, id)
		}
	}
	return nil
}

func buildAssistantMessage(text string, toolCalls []ToolCall) Message {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Type: PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

// ensureToolCallIDs synthesizes a local id wherever the provider did not
// supply one, so downstream correlation always has a key.
func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return calls
}

// loggingStream wraps a stream to accumulate usage and log it on completion.
type loggingStream struct {
	inner    Stream
	logger   *usage.Logger
	provider string
	model    string

	totalInput  int
	totalOutput int
	logged      bool
}

func (s *loggingStream) Recv() (Event, error) {
	event, err := s.inner.Recv()

	if err == nil && event.Type == EventUsage && event.Use != nil {
		s.totalInput += event.Use.InputTokens
		s.totalOutput += event.Use.OutputTokens
	}
	if (err == io.EOF || (err == nil && event.Type == EventDone)) && !s.logged {
		s.flush()
	}
	return event, err
}

func (s *loggingStream) Close() error {
	if !s.logged {
		s.flush()
	}
	return s.inner.Close()
}

func (s *loggingStream) flush() {
	if s.totalInput == 0 && s.totalOutput == 0 {
		return
	}
	s.logged = true
	_ = s.logger.Log(usage.Entry{
		Provider:     s.provider,
		Model:        s.model,
		InputTokens:  s.totalInput,
		OutputTokens: s.totalOutput,
	})
}

func (e *Engine) wrapUsageLogging(inner Stream, model string) Stream {
	if e.usageLog == nil {
		return inner
	}
	return &loggingStream{
		inner:    inner,
		logger:   e.usageLog,
		provider: e.provider.Name(),
		model:    model,
	}
}
