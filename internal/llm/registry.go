package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolRegistry is the capability the engine and adapters are constructed
// with. Implementations may be backed by MCP servers, built-in tools, or a
// test double; the engine never patches methods onto providers at runtime.
type ToolRegistry interface {
	ListTools() []ToolSpec
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Tool describes a callable external tool.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry stores tools by name for execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Spec().Name] = tool
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ListTools returns the specs for all registered tools, sorted by name so
// outbound requests are deterministic.
func (r *Registry) ListTools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolSpec ToolSpec
	Fn       func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) Spec() ToolSpec { return t.ToolSpec }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

// rawToolShape is the duck-typed union of the two tool encodings seen in
// configs and MCP listings: either {name, description, inputSchema} or
// {type:"function", function:{name, description, parameters}}.
type rawToolShape struct {
	// MCP shape
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	// Function shape
	Type     string `json:"type"`
	Function *struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// NormalizeToolSpec converts either tool encoding into the canonical
// ToolSpec. Every spec passes through here exactly once, before any
// provider-specific code sees it.
func NormalizeToolSpec(raw json.RawMessage) (ToolSpec, error) {
	var shape rawToolShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return ToolSpec{}, fmt.Errorf("parse tool spec: %w", err)
	}

	if shape.Type == "function" && shape.Function != nil {
		if shape.Function.Name == "" {
			return ToolSpec{}, fmt.Errorf("function tool spec missing name")
		}
		return ToolSpec{
			Name:        shape.Function.Name,
			Description: shape.Function.Description,
			Schema:      shape.Function.Parameters,
		}, nil
	}

	if shape.Name == "" {
		return ToolSpec{}, fmt.Errorf("tool spec missing name")
	}
	return ToolSpec{
		Name:        shape.Name,
		Description: shape.Description,
		Schema:      shape.InputSchema,
	}, nil
}
