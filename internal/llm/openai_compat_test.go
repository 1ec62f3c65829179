package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// sseHandler writes the given SSE body split into chunks of chunkSize
// bytes, flushing between chunks so splits land at arbitrary byte
// boundaries, including mid-rune.
func sseHandler(t *testing.T, body string, chunkSize int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer is not a flusher")
		}
		data := []byte(body)
		for len(data) > 0 {
			n := chunkSize
			if n <= 0 || n > len(data) {
				n = len(data)
			}
			if _, err := w.Write(data[:n]); err != nil {
				return
			}
			flusher.Flush()
			data = data[n:]
		}
	}
}

func sseFrame(payload string) string {
	return "data: " + payload + "\n\n"
}

func drainProvider(t *testing.T, p Provider, req Request) (string, []ToolCall, *Usage, error) {
	t.Helper()
	stream, err := p.Stream(context.Background(), req)
	if err != nil {
		return "", nil, nil, err
	}
	defer stream.Close()

	var text strings.Builder
	var calls []ToolCall
	var usage *Usage
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return text.String(), calls, usage, nil
		}
		if err != nil {
			return text.String(), calls, usage, err
		}
		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Text)
		case EventToolCall:
			if event.Tool != nil {
				calls = append(calls, *event.Tool)
			}
		case EventUsage:
			usage = event.Use
		}
	}
}

func chatRequest() Request {
	return Request{
		Model:    "test-model",
		Messages: []Message{UserText("hello")},
	}
}

func TestOpenAICompat_StreamText(t *testing.T) {
	body := sseFrame(`{"choices":[{"delta":{"content":"Hel"}}]}`) +
		sseFrame(`{"choices":[{"delta":{"content":"lo!"}}]}`) +
		sseFrame(`{"usage":{"prompt_tokens":7,"completion_tokens":2},"choices":[]}`) +
		sseFrame("[DONE]")

	srv := httptest.NewServer(sseHandler(t, body, 0))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "key", "Test")
	text, calls, usage, err := drainProvider(t, p, chatRequest())
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("text = %q, want Hello!", text)
	}
	if len(calls) != 0 {
		t.Errorf("unexpected tool calls: %v", calls)
	}
	if usage == nil || usage.InputTokens != 7 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v, want {7 2}", usage)
	}
}

func TestOpenAICompat_ChunkBoundaryInvariance(t *testing.T) {
	// Multi-byte characters positioned so small chunk sizes split them.
	const want = "héllo wörld — 你好"
	body := sseFrame(`{"choices":[{"delta":{"content":"héllo wörld — "}}]}`) +
		sseFrame(`{"choices":[{"delta":{"content":"你好"}}]}`) +
		sseFrame("[DONE]")

	for _, chunkSize := range []int{1, 2, 3, 7, 64, 0} {
		srv := httptest.NewServer(sseHandler(t, body, chunkSize))

		p := NewOpenAICompatProvider(srv.URL, "", "Test")
		text, _, _, err := drainProvider(t, p, chatRequest())
		srv.Close()

		if err != nil {
			t.Fatalf("chunkSize=%d: stream error: %v", chunkSize, err)
		}
		if text != want {
			t.Errorf("chunkSize=%d: text = %q, want %q", chunkSize, text, want)
		}
		if !utf8.ValidString(text) {
			t.Errorf("chunkSize=%d: invalid UTF-8 in output", chunkSize)
		}
	}
}

func TestOpenAICompat_FragmentedToolCallDeltas(t *testing.T) {
	body := sseFrame(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_weather"}}]}}]}`) +
		sseFrame(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"ci"}}]}}]}`) +
		sseFrame(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Oslo\"}"}}]}}]}`) +
		sseFrame(`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_def","function":{"name":"get_time","arguments":"{}"}}]}}]}`) +
		sseFrame("[DONE]")

	srv := httptest.NewServer(sseHandler(t, body, 16))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "", "Test")
	_, calls, _, err := drainProvider(t, p, chatRequest())
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_abc" || calls[0].Name != "get_weather" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if got := gjson.GetBytes(calls[0].Arguments, "city").String(); got != "Oslo" {
		t.Errorf("reassembled arguments = %s", calls[0].Arguments)
	}
	if calls[1].ID != "call_def" || calls[1].Name != "get_time" {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestOpenAICompat_MalformedFrameSkipped(t *testing.T) {
	body := sseFrame(`{"choices":[{"delta":{"content":"ok "}}]}`) +
		sseFrame(`{not json at all`) +
		sseFrame(`{"choices":[{"delta":{"content":"still ok"}}]}`) +
		sseFrame("[DONE]")

	srv := httptest.NewServer(sseHandler(t, body, 0))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "", "Test")
	text, _, _, err := drainProvider(t, p, chatRequest())
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "ok still ok" {
		t.Errorf("text = %q, want a stream that survives the bad frame", text)
	}
}

func TestOpenAICompat_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "wrong", "Test")
	_, _, _, err := drainProvider(t, p, chatRequest())
	if err == nil {
		t.Fatal("expected error for 401")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if pe.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401", pe.StatusCode)
	}
	if !strings.Contains(strings.ToLower(pe.Error()), "key") {
		t.Errorf("error %q should carry remediation about the API key", pe.Error())
	}
}

func TestOpenAICompat_RequestBody(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("X-Custom = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseFrame("[DONE]"))
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "secret", "Test").
		WithHeaders(map[string]string{"X-Custom": "yes"})

	req := chatRequest()
	req.Tools = []ToolSpec{{
		Name:        "get_weather",
		Description: "Get weather",
		Schema:      map[string]any{"type": "object"},
	}}
	req.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
	req.Temperature = 0.7
	req.MaxOutputTokens = 256

	if _, _, _, err := drainProvider(t, p, req); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	body := gjson.ParseBytes(captured)
	if body.Get("model").String() != "test-model" {
		t.Errorf("model = %q", body.Get("model").String())
	}
	if !body.Get("stream").Bool() {
		t.Error("stream flag not set")
	}
	if body.Get("tools.0.function.name").String() != "get_weather" {
		t.Errorf("tools = %s", body.Get("tools").Raw)
	}
	if body.Get("tool_choice").String() != "auto" {
		t.Errorf("tool_choice = %s", body.Get("tool_choice").Raw)
	}
	if body.Get("max_tokens").Int() != 256 {
		t.Errorf("max_tokens = %d", body.Get("max_tokens").Int())
	}
}

func TestOpenAICompat_NonStreamingMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var parsed map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &parsed)
		if v, ok := parsed["stream"].(bool); ok && v {
			t.Error("non-streaming mode must not set stream")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices":[{"message":{"role":"assistant","content":"Full answer.","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"ping","arguments":"{}"}},
				{"id":"call_2","type":"function","function":{"name":"noargs","arguments":""}}
			]}}],
			"usage":{"prompt_tokens":3,"completion_tokens":4}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "", "Test").WithoutStreaming()
	text, calls, usage, err := drainProvider(t, p, chatRequest())
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Full answer." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 2 || calls[0].Name != "ping" {
		t.Errorf("calls = %+v", calls)
	}
	// Empty arguments must come out as a valid JSON object so the call
	// survives persistence.
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("empty arguments = %q", calls[1].Arguments)
	}
	if usage == nil || usage.InputTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOpenAICompat_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"zeta"},{"id":"alpha"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(srv.URL, "", "Test")
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels error: %v", err)
	}
	if len(models) != 2 || models[0] != "alpha" || models[1] != "zeta" {
		t.Errorf("models = %v, want sorted [alpha zeta]", models)
	}
}

func TestBuildCompatMessages_StrictTurnShape(t *testing.T) {
	call := &ToolCall{ID: "call_1", Name: "ping", Arguments: json.RawMessage(`{}`)}
	history := []Message{
		SystemText("be brief"),
		UserText("ping the server"),
		{Role: RoleAssistant, Parts: []Part{
			{Type: PartText, Text: "Let me ping it."},
			{Type: PartToolCall, ToolCall: call},
		}},
		ToolResultMessage("call_1", "ping", "pong"),
	}

	relaxed := buildCompatMessages(history, false)
	if relaxed[2].Content != "Let me ping it." || len(relaxed[2].ToolCalls) != 1 {
		t.Errorf("relaxed assistant turn = %+v, want content and tool_calls", relaxed[2])
	}

	strict := buildCompatMessages(history, true)
	if strict[2].Content != "" {
		t.Errorf("strict assistant content = %q, want empty", strict[2].Content)
	}
	if len(strict[2].ToolCalls) != 1 {
		t.Errorf("strict assistant tool_calls = %d, want 1", len(strict[2].ToolCalls))
	}

	// Tool result becomes a role=tool message with the call id.
	last := strict[3]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != "pong" {
		t.Errorf("tool message = %+v", last)
	}
}

func mustUnmarshal(t *testing.T, data string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(data), v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestCompatToolState_OutOfOrderIndexes(t *testing.T) {
	var first, second []oaiToolCall
	mustUnmarshal(t, `[{"index":1,"id":"b","function":{"name":"second","arguments":"{}"}}]`, &first)
	mustUnmarshal(t, `[{"index":0,"id":"a","function":{"name":"first","arguments":"{}"}}]`, &second)

	state := newCompatToolState()
	state.Add(first)
	state.Add(second)

	calls := state.Calls()
	if len(calls) != 2 || calls[0].Name != "first" || calls[1].Name != "second" {
		t.Errorf("calls = %+v, want index order", calls)
	}
}
