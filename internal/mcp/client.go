package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/NickPittas/littlellm-sub005/internal/config"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Client owns one stdio MCP server process for its whole lifetime. Connect
// spawns the process and performs the initialize handshake; after Close the
// client cannot be reused.
type Client struct {
	name string
	cfg  config.MCPServerConfig

	mu      sync.RWMutex
	session *mcp.ClientSession
}

func NewClient(name string, cfg config.MCPServerConfig) *Client {
	return &Client{name: name, cfg: cfg}
}

func (c *Client) Name() string { return c.name }

// Connect spawns the server process and returns its tool list. The inherited
// environment is extended, not replaced, so PATH and HOME survive for
// servers launched via npx or uvx.
func (c *Client) Connect(ctx context.Context) ([]ToolSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil, fmt.Errorf("MCP server %s already connected", c.name)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "littlellm",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}

	tools, err := listServerTools(ctx, session)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	c.session = session
	return tools, nil
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Close shuts down the server process.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func listServerTools(ctx context.Context, session *mcp.ClientSession) ([]ToolSpec, error) {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      normalizeSchema(t.InputSchema),
		})
	}
	return tools, nil
}

// normalizeSchema coerces whatever schema representation the SDK hands back
// into a plain map. Servers occasionally return typed schema objects; a JSON
// round trip flattens those too.
func normalizeSchema(raw any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// CallTool invokes a tool on the MCP server and flattens the response
// content to text.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return "", fmt.Errorf("MCP server %s is not running", c.name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, text)
	}
	return text, nil
}

// flattenContent joins MCP content blocks into one string. Text blocks pass
// through; anything else is JSON-encoded so structured payloads are not
// silently lost.
func flattenContent(content []mcp.Content) string {
	var b strings.Builder
	for _, block := range content {
		if text, ok := block.(*mcp.TextContent); ok {
			b.WriteString(text.Text)
			continue
		}
		if data, err := json.Marshal(block); err == nil {
			b.Write(data)
		}
	}
	return b.String()
}
