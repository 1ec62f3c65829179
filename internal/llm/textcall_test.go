package llm

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func textCallRequest(tools ...ToolSpec) Request {
	return Request{
		Model:    "local-model",
		Messages: []Message{UserText("read main.go")},
		Tools:    tools,
	}
}

func readFileSpec() ToolSpec {
	return ToolSpec{
		Name:        "read_file",
		Description: "Read a file from disk",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}
}

// drainStream collects all events from a stream until EOF or EventDone.
func drainStream(t *testing.T, s Stream) []Event {
	t.Helper()
	defer s.Close()
	var events []Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Recv error: %v", err)
		}
		events = append(events, ev)
	}
}

func TestTextToolCall_ExtractsFencedJSON(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("I'll read that file.\n```json\n{\"tool_call\": {\"name\": \"read_file\", \"arguments\": {\"path\": \"main.go\"}}}\n```")

	p := NewTextToolCallProvider(mock)
	s, err := p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	var calls []ToolCall
	for _, ev := range drainStream(t, s) {
		if ev.Type == EventToolCall {
			calls = append(calls, *ev.Tool)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("Name = %q", calls[0].Name)
	}
	if got := gjson.GetBytes(calls[0].Arguments, "path").String(); got != "main.go" {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("ID = %q, want a synthesized call_ id", calls[0].ID)
	}
}

func TestTextToolCall_InjectsPrompt(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("plain answer")

	p := NewTextToolCallProvider(mock)
	s, err := p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	if len(mock.Requests) != 1 {
		t.Fatalf("got %d requests", len(mock.Requests))
	}
	sent := mock.Requests[0]
	if sent.Messages[0].Role != RoleSystem {
		t.Fatalf("first message role = %s, want system", sent.Messages[0].Role)
	}
	prompt := sent.Messages[0].TextContent()
	if !strings.Contains(prompt, "read_file") || !strings.Contains(prompt, "tool_call") {
		t.Errorf("injected prompt missing tool instructions:\n%s", prompt)
	}
}

func TestTextToolCall_MergesExistingSystemMessage(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("ok")

	req := textCallRequest(readFileSpec())
	req.Messages = []Message{SystemText("You are terse."), UserText("hi")}

	p := NewTextToolCallProvider(mock)
	s, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	sent := mock.Requests[0]
	systems := 0
	for _, m := range sent.Messages {
		if m.Role == RoleSystem {
			systems++
			if !strings.Contains(m.TextContent(), "You are terse.") {
				t.Error("original system text dropped")
			}
			if !strings.Contains(m.TextContent(), "read_file") {
				t.Error("tool instructions not merged into system message")
			}
		}
	}
	if systems != 1 {
		t.Errorf("got %d system messages, want 1 merged", systems)
	}
}

func TestTextToolCall_NoToolsPassthrough(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("hello")

	p := NewTextToolCallProvider(mock)
	s, err := p.Stream(context.Background(), Request{
		Model:    "local-model",
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	if sent := mock.Requests[0]; sent.Messages[0].Role == RoleSystem {
		t.Error("prompt injected despite request having no tools")
	}
}

func TestTextToolCall_RecordsNativeCapability(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddToolCall("call_1", "read_file", map[string]any{"path": "a.go"})

	cache := NewCapabilityCache()
	p := NewTextToolCallProvider(mock)
	p.SetCapabilityCache(cache)

	s, err := p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	native, known := cache.Lookup("local-model", "")
	if !known || !native {
		t.Errorf("cache = (native=%v, known=%v), want native recorded", native, known)
	}

	// Once known native, the wrapper forwards the request untouched.
	mock.AddToolCall("call_2", "read_file", map[string]any{"path": "b.go"})
	s, err = p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	sent := mock.Requests[1]
	if sent.Messages[0].Role == RoleSystem {
		t.Error("prompt still injected for a known-native model")
	}
	if len(sent.Tools) != 1 {
		t.Errorf("tools = %d, want forwarded unchanged", len(sent.Tools))
	}
}

func TestTextToolCall_RecordsTextCapabilityAndStripsTools(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("```json\n{\"tool_call\": {\"name\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}}\n```")

	cache := NewCapabilityCache()
	p := NewTextToolCallProvider(mock)
	p.SetCapabilityCache(cache)

	s, err := p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	native, known := cache.Lookup("local-model", "")
	if !known || native {
		t.Errorf("cache = (native=%v, known=%v), want text-based recorded", native, known)
	}

	// A known text-based model gets the prompt but not the wire tools field.
	mock.AddTextResponse("no call this time")
	s, err = p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	drainStream(t, s)

	sent := mock.Requests[1]
	if len(sent.Tools) != 0 {
		t.Error("tools field sent to a known text-based model")
	}
	if sent.Messages[0].Role != RoleSystem {
		t.Error("prompt not injected for a known text-based model")
	}
}

func TestTextToolCall_CapabilitiesForceToolCalls(t *testing.T) {
	mock := NewMockProvider("mock").WithCapabilities(Capabilities{ToolCalls: false, RequiresToolIDs: true})
	p := NewTextToolCallProvider(mock)
	caps := p.Capabilities()
	if !caps.ToolCalls {
		t.Error("ToolCalls not forced on")
	}
	if caps.RequiresToolIDs {
		t.Error("RequiresToolIDs should be cleared, extracted calls have synthesized ids")
	}
}

func TestTextToolCall_NoExtractionPlainText(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddTextResponse("Here is how you read a file in Go: use os.ReadFile.")

	p := NewTextToolCallProvider(mock)
	s, err := p.Stream(context.Background(), textCallRequest(readFileSpec()))
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	var text strings.Builder
	for _, ev := range drainStream(t, s) {
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventToolCall:
			t.Errorf("unexpected tool call %s", ev.Tool.Name)
		}
	}
	if !strings.Contains(text.String(), "os.ReadFile") {
		t.Errorf("text = %q", text.String())
	}
}
