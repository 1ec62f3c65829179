package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/NickPittas/littlellm-sub005/internal/config"
	"github.com/NickPittas/littlellm-sub005/internal/llm"
)

func TestNormalizeSchema(t *testing.T) {
	// Plain maps pass through untouched.
	in := map[string]any{"type": "object", "properties": map[string]any{"path": map[string]any{"type": "string"}}}
	if got := normalizeSchema(in); got["type"] != "object" {
		t.Errorf("map passthrough = %v", got)
	}

	// Typed values flatten via a JSON round trip.
	type schemaish struct {
		Type string `json:"type"`
	}
	got := normalizeSchema(schemaish{Type: "object"})
	if got["type"] != "object" {
		t.Errorf("struct flattening = %v", got)
	}

	// Nil and garbage both come back as empty, never nil.
	if got := normalizeSchema(nil); got == nil || len(got) != 0 {
		t.Errorf("nil schema = %v", got)
	}
	if got := normalizeSchema(42); got == nil || len(got) != 0 {
		t.Errorf("non-object schema = %v", got)
	}
}

func TestFlattenContent(t *testing.T) {
	content := []mcp.Content{
		&mcp.TextContent{Text: "line one\n"},
		&mcp.TextContent{Text: "line two"},
	}
	if got := flattenContent(content); got != "line one\nline two" {
		t.Errorf("flattened = %q", got)
	}
	if got := flattenContent(nil); got != "" {
		t.Errorf("empty content = %q", got)
	}
}

func TestManager_ServerNamesSorted(t *testing.T) {
	m := NewManager(config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"zeta":  {Command: "true"},
		"alpha": {Command: "true"},
	}})
	names := m.ServerNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("names = %v", names)
	}
}

func TestManager_CallToolUnknown(t *testing.T) {
	m := NewManager(config.MCPConfig{})
	_, err := m.CallTool(context.Background(), "missing", nil)
	if err == nil || !strings.Contains(err.Error(), "no MCP server provides") {
		t.Errorf("err = %v", err)
	}
}

func TestToolCache_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if got := LoadCachedTools("files"); got != nil {
		t.Errorf("cold cache = %v", got)
	}

	tools := []ToolSpec{
		{Name: "read_file", Description: "Read a file", Schema: map[string]any{"type": "object"}},
		{Name: "write_file", Description: "Write a file"},
	}
	CacheTools("files", tools)
	CacheTools("web", []ToolSpec{{Name: "fetch"}})

	got := LoadCachedTools("files")
	if len(got) != 2 || got[0].Name != "read_file" {
		t.Errorf("cached tools = %+v", got)
	}
	if got[0].Schema["type"] != "object" {
		t.Errorf("schema lost in cache: %v", got[0].Schema)
	}
	if other := LoadCachedTools("web"); len(other) != 1 || other[0].Name != "fetch" {
		t.Errorf("second server overwrote the first: %+v", other)
	}
}

func TestAdaptTool(t *testing.T) {
	m := NewManager(config.MCPConfig{})
	tool := AdaptTool(m, ToolSpec{
		Name:        "read_file",
		Description: "Read a file",
		Schema:      map[string]any{"type": "object"},
	})

	spec := tool.Spec()
	if spec.Name != "read_file" || spec.Description != "Read a file" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Schema["type"] != "object" {
		t.Errorf("schema = %v", spec.Schema)
	}

	// Execution routes through the manager, which knows no such tool here.
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("Execute succeeded with no server connected")
	}
}

func TestRegisterMCPTools_EmptyManager(t *testing.T) {
	registry := llm.NewRegistry()
	RegisterMCPTools(NewManager(config.MCPConfig{}), registry)
	if got := registry.ListTools(); len(got) != 0 {
		t.Errorf("tools = %v", got)
	}
}
