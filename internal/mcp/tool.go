package mcp

import (
	"context"
	"encoding/json"

	"github.com/NickPittas/littlellm-sub005/internal/llm"
)

// RegisterMCPTools exposes every tool the manager discovered through the
// engine's registry. Each registration closes over its tool name and routes
// execution back through the manager, which owns the name-to-server mapping.
func RegisterMCPTools(manager *Manager, registry *llm.Registry) {
	for _, spec := range manager.AllTools() {
		registry.Register(AdaptTool(manager, spec))
	}
}

// AdaptTool wraps one MCP tool spec as an llm.Tool backed by the manager.
func AdaptTool(manager *Manager, spec ToolSpec) llm.Tool {
	name := spec.Name
	return &llm.FuncTool{
		ToolSpec: llm.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      spec.Schema,
		},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return manager.CallTool(ctx, name, args)
		},
	}
}
