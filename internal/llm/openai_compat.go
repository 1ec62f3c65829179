package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// httpClientTimeout is the default timeout for HTTP requests.
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with a generous timeout; per-
// request cancellation rides on the request context.
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenAICompatProvider implements Provider for OpenAI-compatible HTTP+SSE
// APIs: OpenAI itself, OpenRouter, Groq, LM Studio, Jan, and friends.
type OpenAICompatProvider struct {
	baseURL string
	apiKey  string // optional, some servers ignore it
	name    string // display name: "OpenAI", "OpenRouter", ...
	headers map[string]string

	// strictTurnShape rewrites assistant turns that carry both content and
	// tool_calls to tool_calls only, for providers that reject the combined
	// form. The user-visible history keeps the text; this is a transmission
	// transform.
	strictTurnShape bool
	// nonStreaming switches Stream to a single-body request with content
	// and tool calls read from structured fields.
	nonStreaming bool
}

func NewOpenAICompatProvider(baseURL, apiKey, name string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		name:    name,
	}
}

// WithHeaders sets extra headers sent on every request.
func (p *OpenAICompatProvider) WithHeaders(headers map[string]string) *OpenAICompatProvider {
	p.headers = headers
	return p
}

// WithStrictTurnShape enables the assistant-turn rewrite for providers that
// disallow content alongside tool_calls.
func (p *OpenAICompatProvider) WithStrictTurnShape() *OpenAICompatProvider {
	p.strictTurnShape = true
	return p
}

// WithoutStreaming switches to single-body (non-SSE) requests.
func (p *OpenAICompatProvider) WithoutStreaming() *OpenAICompatProvider {
	p.nonStreaming = true
	return p
}

func (p *OpenAICompatProvider) Name() string {
	return p.name
}

func (p *OpenAICompatProvider) BaseURL() string {
	return p.baseURL
}

func (p *OpenAICompatProvider) Capabilities() Capabilities {
	return Capabilities{
		ToolCalls:       true,
		StrictTurnShape: p.strictTurnShape,
		RequiresToolIDs: true,
	}
}

// OpenAI-compatible request/response structures.
// Tool choice can be a string ("none"/"auto") or an object.
type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	ToolChoice  any          `json:"tool_choice,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int         `json:"index"`
	Message      *oaiMessage `json:"message,omitempty"`
	Delta        *oaiMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type oaiModelsResponse struct {
	Data []oaiModel `json:"data"`
}

type oaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (p *OpenAICompatProvider) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, value := range p.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	return defaultHTTPClient.Do(httpReq)
}

func (p *OpenAICompatProvider) buildChatRequest(req Request, stream bool) (oaiChatRequest, error) {
	messages := buildCompatMessages(req.Messages, p.strictTurnShape)
	if len(messages) == 0 {
		return oaiChatRequest{}, fmt.Errorf("no messages provided")
	}

	tools, err := buildCompatTools(req.Tools)
	if err != nil {
		return oaiChatRequest{}, err
	}

	chatReq := oaiChatRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   stream,
	}
	if req.ToolChoice.Mode != "" {
		chatReq.ToolChoice = buildCompatToolChoice(req.ToolChoice)
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		chatReq.Temperature = &v
	}
	if req.TopP > 0 {
		v := float64(req.TopP)
		chatReq.TopP = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}
	return chatReq, nil
}

// ListModels returns available models from the server.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.makeRequest(ctx, "GET", "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var modelsResp oaiModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]string, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		models = append(models, m.ID)
	}
	sort.Strings(models)
	return models, nil
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if p.nonStreaming {
		return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
			return p.complete(ctx, req, events)
		}), nil
	}
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		return p.stream(ctx, req, events)
	}), nil
}

func (p *OpenAICompatProvider) stream(ctx context.Context, req Request, events chan<- Event) error {
	chatReq, err := p.buildChatRequest(req, true)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return err
	}

	resp, err := p.makeRequest(ctx, "POST", "/chat/completions", body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s API request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		raw, _ := io.ReadAll(resp.Body)
		return &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	scanner := newFrameScanner(resp.Body)
	toolState := newCompatToolState()
	var lastUsage *Usage

	for scanner.Scan() {
		data, ok, sentinel := parseSSELine(scanner.Text())
		if sentinel {
			break
		}
		if !ok {
			continue
		}

		var chatResp oaiChatResponse
		if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
			// Malformed frame: dropped, stream continues.
			continue
		}

		if chatResp.Error != nil {
			return fmt.Errorf("%s API error: %s", p.name, chatResp.Error.Message)
		}

		if chatResp.Usage != nil {
			lastUsage = &Usage{
				InputTokens:  chatResp.Usage.PromptTokens,
				OutputTokens: chatResp.Usage.CompletionTokens,
			}
		}

		for _, choice := range chatResp.Choices {
			if choice.Delta == nil {
				continue
			}
			if choice.Delta.Content != "" {
				events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
			}
			if len(choice.Delta.ToolCalls) > 0 {
				toolState.Add(choice.Delta.ToolCalls)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s streaming error: %w", p.name, err)
	}

	for _, call := range toolState.Calls() {
		events <- Event{Type: EventToolCall, Tool: &call}
	}
	if lastUsage != nil {
		events <- Event{Type: EventUsage, Use: lastUsage}
	}
	events <- Event{Type: EventDone}
	return nil
}

// complete issues a non-streaming request and replays the single response
// body as events.
func (p *OpenAICompatProvider) complete(ctx context.Context, req Request, events chan<- Event) error {
	chatReq, err := p.buildChatRequest(req, false)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return err
	}

	resp, err := p.makeRequest(ctx, "POST", "/chat/completions", body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s API request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s read response: %w", p.name, err)
	}
	if resp.StatusCode != 200 {
		return &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var chatResp oaiChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return fmt.Errorf("%s parse response: %w", p.name, err)
	}
	if chatResp.Error != nil {
		return fmt.Errorf("%s API error: %s", p.name, chatResp.Error.Message)
	}

	for _, choice := range chatResp.Choices {
		if choice.Message == nil {
			continue
		}
		if choice.Message.Content != "" {
			events <- Event{Type: EventTextDelta, Text: choice.Message.Content}
		}
		for _, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			call := ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			}
			events <- Event{Type: EventToolCall, Tool: &call}
		}
	}
	if chatResp.Usage != nil {
		events <- Event{Type: EventUsage, Use: &Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}}
	}
	events <- Event{Type: EventDone}
	return nil
}

func buildCompatMessages(messages []Message, strictTurnShape bool) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			text, toolCalls := splitParts(msg.Parts)
			if msg.Role == RoleAssistant && len(toolCalls) > 0 {
				if strictTurnShape {
					// Content and tool_calls may not coexist on one turn;
					// the wire form keeps only the calls.
					text = ""
				}
				result = append(result, oaiMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				})
				continue
			}
			if text == "" {
				continue
			}
			result = append(result, oaiMessage{Role: string(msg.Role), Content: text})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, oaiMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return result
}

func splitParts(parts []Part) (string, []oaiToolCall) {
	var textParts []string
	var toolCalls []oaiToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			toolCalls = append(toolCalls, oaiToolCall{
				ID:   part.ToolCall.ID,
				Type: "function",
				Function: struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				}{
					Name:      part.ToolCall.Name,
					Arguments: string(part.ToolCall.Arguments),
				},
			})
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildCompatTools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func buildCompatToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceName:
		return map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	default:
		return nil
	}
}

// compatToolState accumulates fragmented tool call deltas. A call's id and
// function name may appear once while arguments arrive as successive
// substrings; fragments correlate by index.
type compatToolState struct {
	byIndex map[int]*toolCallState
	order   []int
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newCompatToolState() *compatToolState {
	return &compatToolState{byIndex: make(map[int]*toolCallState)}
}

func (s *compatToolState) Add(calls []oaiToolCall) {
	for _, call := range calls {
		idx := call.Index
		state, ok := s.byIndex[idx]
		if !ok {
			state = &toolCallState{}
			s.byIndex[idx] = state
			s.order = append(s.order, idx)
		}
		if call.ID != "" {
			state.id = call.ID
		}
		if call.Function.Name != "" {
			state.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			state.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *compatToolState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil || state.name == "" {
			continue
		}
		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:        state.id,
			Name:      state.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}
