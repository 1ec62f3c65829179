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
)

// OllamaProvider implements Provider for Ollama's native API. Responses on
// /api/chat arrive as newline-delimited JSON objects rather than SSE.
type OllamaProvider struct {
	baseURL string
	name    string
}

func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		name:    "Ollama",
	}
}

func (p *OllamaProvider) Name() string {
	return p.name
}

func (p *OllamaProvider) BaseURL() string {
	return p.baseURL
}

func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{
		ToolCalls:       true,
		RequiresToolIDs: false,
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []oaiTool       `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaChatChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`

	// Token counts appear only on the terminal (done) object.
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *OllamaProvider) buildChatRequest(req Request) (ollamaChatRequest, error) {
	messages := buildOllamaMessages(req.Messages)
	if len(messages) == 0 {
		return ollamaChatRequest{}, fmt.Errorf("no messages provided")
	}

	tools, err := buildCompatTools(req.Tools)
	if err != nil {
		return ollamaChatRequest{}, err
	}

	chatReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   true,
	}

	var opts ollamaOptions
	hasOpts := false
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		opts.Temperature = &v
		hasOpts = true
	}
	if req.TopP > 0 {
		v := float64(req.TopP)
		opts.TopP = &v
		hasOpts = true
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		opts.NumPredict = &v
		hasOpts = true
	}
	if hasOpts {
		chatReq.Options = &opts
	}
	return chatReq, nil
}

func buildOllamaMessages(messages []Message) []ollamaMessage {
	var result []ollamaMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			text, toolCalls := splitParts(msg.Parts)
			om := ollamaMessage{Role: string(msg.Role), Content: text}
			for _, tc := range toolCalls {
				var otc ollamaToolCall
				otc.Function.Name = tc.Function.Name
				otc.Function.Arguments = json.RawMessage(tc.Function.Arguments)
				om.ToolCalls = append(om.ToolCalls, otc)
			}
			if om.Content == "" && len(om.ToolCalls) == 0 {
				continue
			}
			result = append(result, om)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, ollamaMessage{
					Role:    "tool",
					Content: part.ToolResult.Content,
				})
			}
		}
	}
	return result
}

// ListModels returns locally installed models from /api/tags.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := defaultHTTPClient.Do(httpReq)
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

	var tags ollamaTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("failed to parse tags response: %w", err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	sort.Strings(models)
	return models, nil
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		return p.stream(ctx, req, events)
	}), nil
}

func (p *OllamaProvider) stream(ctx context.Context, req Request, events chan<- Event) error {
	chatReq, err := p.buildChatRequest(req)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := defaultHTTPClient.Do(httpReq)
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
	var toolCalls []ToolCall
	var usage *Usage

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("%s API error: %s", p.name, chunk.Error)
		}

		if chunk.Message.Content != "" {
			events <- Event{Type: EventTextDelta, Text: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, ToolCall{
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}

		if chunk.Done {
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				usage = &Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				}
			}
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s streaming error: %w", p.name, err)
	}

	for i := range toolCalls {
		events <- Event{Type: EventToolCall, Tool: &toolCalls[i]}
	}
	if usage != nil {
		events <- Event{Type: EventUsage, Use: usage}
	}
	events <- Event{Type: EventDone}
	return nil
}
