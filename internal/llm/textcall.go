package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TextToolCallProvider wraps a provider whose models may not honor native
// tool calling and recovers tool calls from the assistant's free text. Local
// servers in particular expose the tools field but many models ignore it and
// describe the call in prose instead.
//
// Per (model, baseURL) pair the wrapper learns which path the model actually
// takes: the first turn that produces a native tool call records the model
// as native, the first turn whose calls only surface via text extraction
// records it as text-based. Later requests skip the redundant machinery.
type TextToolCallProvider struct {
	inner    Provider
	capCache *CapabilityCache
	opts     ExtractorOptions
}

// baseURLer is implemented by providers bound to a concrete endpoint.
type baseURLer interface {
	BaseURL() string
}

func NewTextToolCallProvider(inner Provider) *TextToolCallProvider {
	return &TextToolCallProvider{inner: inner}
}

// WithExtractorOptions configures the text extraction cascade.
func (p *TextToolCallProvider) WithExtractorOptions(opts ExtractorOptions) *TextToolCallProvider {
	p.opts = opts
	return p
}

// SetCapabilityCache injects the shared per-process capability cache.
// Without one every request runs the full dual-path detection.
func (p *TextToolCallProvider) SetCapabilityCache(c *CapabilityCache) {
	p.capCache = c
}

func (p *TextToolCallProvider) Name() string {
	return p.inner.Name()
}

func (p *TextToolCallProvider) Capabilities() Capabilities {
	caps := p.inner.Capabilities()
	// Text extraction makes tool calling available regardless of what the
	// wire format supports, and extracted calls get synthesized ids.
	caps.ToolCalls = true
	caps.RequiresToolIDs = false
	return caps
}

func (p *TextToolCallProvider) baseURL() string {
	if b, ok := p.inner.(baseURLer); ok {
		return b.BaseURL()
	}
	return ""
}

func (p *TextToolCallProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Tools) == 0 {
		return p.inner.Stream(ctx, req)
	}

	native, known := false, false
	if p.capCache != nil {
		native, known = p.capCache.Lookup(req.Model, p.baseURL())
	}
	if known && native {
		return p.inner.Stream(ctx, req)
	}

	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}

	wireReq := req
	wireReq.Messages = injectToolPrompt(req.Messages, req.Tools)
	if known && !native {
		// The model is known to ignore the tools field; keep the request
		// lean and rely on the injected prompt.
		wireReq.Tools = nil
		wireReq.ToolChoice = ToolChoice{}
	}

	inner, err := p.inner.Stream(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer inner.Close()
		return p.relay(ctx, inner, events, req.Model, toolNames)
	}), nil
}

// relay forwards events from the wrapped stream, buffering text so the
// extraction cascade can run once the turn is complete. Native tool calls
// pass straight through and settle the capability question.
func (p *TextToolCallProvider) relay(ctx context.Context, inner Stream, events chan<- Event, model string, toolNames []string) error {
	var text strings.Builder
	sawNative := false

	for {
		ev, err := inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
			events <- ev
		case EventToolCall:
			sawNative = true
			events <- ev
		case EventDone:
			// Swallowed; emitted below after extraction.
		default:
			events <- ev
		}
		if ev.Type == EventDone {
			break
		}
	}

	if sawNative {
		p.record(model, true)
		events <- Event{Type: EventDone}
		return nil
	}

	calls := ExtractToolCalls(text.String(), toolNames, p.opts)
	if len(calls) > 0 {
		p.record(model, false)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
			events <- Event{Type: EventToolCall, Tool: &calls[i]}
		}
	}
	events <- Event{Type: EventDone}
	return nil
}

func (p *TextToolCallProvider) record(model string, native bool) {
	if p.capCache != nil {
		p.capCache.Record(model, p.baseURL(), native)
	}
}

// injectToolPrompt appends tool-use instructions to the system message, or
// prepends a new system message when the history has none.
func injectToolPrompt(messages []Message, tools []ToolSpec) []Message {
	prompt := buildToolPrompt(tools)
	out := make([]Message, 0, len(messages)+1)
	injected := false
	for _, msg := range messages {
		if msg.Role == RoleSystem && !injected {
			combined := msg.TextContent() + "\n\n" + prompt
			out = append(out, SystemText(combined))
			injected = true
			continue
		}
		out = append(out, msg)
	}
	if !injected {
		out = append([]Message{SystemText(prompt)}, out...)
	}
	return out
}

func buildToolPrompt(tools []ToolSpec) string {
	sorted := make([]ToolSpec, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("You have access to the following tools. To call a tool, respond with a fenced code block in exactly this form:\n\n")
	b.WriteString("```json\n{\"tool_call\": {\"name\": \"<tool name>\", \"arguments\": {<arguments>}}}\n```\n\n")
	b.WriteString("Only call tools from this list. Available tools:\n\n")
	for _, t := range sorted {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if len(t.Schema) > 0 {
			if props, ok := t.Schema["properties"].(map[string]any); ok && len(props) > 0 {
				names := make([]string, 0, len(props))
				for name := range props {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintf(&b, "  arguments: %s\n", strings.Join(names, ", "))
			}
		}
	}
	b.WriteString("\nAfter a tool result arrives, continue the conversation using it. If no tool is needed, answer directly.")
	return b.String()
}
