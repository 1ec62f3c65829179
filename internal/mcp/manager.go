package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NickPittas/littlellm-sub005/internal/config"
)

// serverTools is one server's claimed slice of the combined tool namespace.
type serverTools struct {
	client *Client
	tools  []ToolSpec
}

// Manager owns the lifecycle of configured MCP servers and routes tool
// calls to whichever server exposes the tool.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverTools
	// toolOwner maps a tool name to its server. The alphabetically first
	// server to expose a name claims it; later claims are ignored.
	toolOwner map[string]string
}

// NewManager creates a manager for the configured servers. Servers are not
// started until StartAll.
func NewManager(cfg config.MCPConfig) *Manager {
	m := &Manager{
		servers:   make(map[string]*serverTools),
		toolOwner: make(map[string]string),
	}
	for name, sc := range cfg.Servers {
		m.servers[name] = &serverTools{client: NewClient(name, sc)}
	}
	return m
}

// StartAll connects every configured server concurrently. A server that
// fails to connect is skipped; the combined error reports all failures so
// one broken server never blocks the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := m.sortedNames()
	m.mu.RUnlock()

	results := make(map[string][]ToolSpec, len(names))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for _, name := range names {
		name := name
		srv := m.servers[name]
		g.Go(func() error {
			tools, err := srv.client.Connect(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			resultsMu.Lock()
			results[name] = tools
			resultsMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		tools, ok := results[name]
		if !ok {
			continue
		}
		m.servers[name].tools = tools
		CacheTools(name, tools)
		for _, t := range tools {
			if _, taken := m.toolOwner[t.Name]; !taken {
				m.toolOwner[t.Name] = name
			}
		}
	}
	return err
}

// StopAll shuts down every running server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, srv := range m.servers {
		_ = srv.client.Close()
		srv.tools = nil
	}
	m.toolOwner = make(map[string]string)
}

// AllTools returns the union of tools across connected servers, sorted by
// name. A duplicated name keeps only the owning server's spec.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var specs []ToolSpec
	for toolName, serverName := range m.toolOwner {
		srv := m.servers[serverName]
		if srv == nil {
			continue
		}
		for _, t := range srv.tools {
			if t.Name == toolName {
				specs = append(specs, t)
				break
			}
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// CallTool routes a call to the server that owns the tool.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	m.mu.RLock()
	serverName, ok := m.toolOwner[name]
	srv := m.servers[serverName]
	m.mu.RUnlock()

	if !ok || srv == nil {
		return "", fmt.Errorf("no MCP server provides tool %s", name)
	}
	return srv.client.CallTool(ctx, name, args)
}

// ServerNames returns the configured server names, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNames()
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
