package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/NickPittas/littlellm-sub005/internal/config"
)

// The tool cache remembers each server's tool list across runs so the CLI
// can describe available tools before slow servers (npx downloads, cold
// Python venvs) finish their handshake. It is advisory: a stale or missing
// cache only delays the listing, never affects execution.

const toolCacheFile = "mcp-tools-cache.json"

type cachedServers map[string][]ToolSpec

func toolCachePath() (string, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, toolCacheFile), nil
}

// CacheTools records a server's tool list. Errors are swallowed; caching is
// best-effort.
func CacheTools(serverName string, tools []ToolSpec) {
	path, err := toolCachePath()
	if err != nil {
		return
	}

	servers := readToolCache(path)
	servers[serverName] = tools

	data, err := json.MarshalIndent(map[string]cachedServers{"servers": servers}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	// Write-then-rename keeps a crashed writer from truncating the cache.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// LoadCachedTools returns the cached tool list for a server, or nil when the
// server has never been cached.
func LoadCachedTools(serverName string) []ToolSpec {
	path, err := toolCachePath()
	if err != nil {
		return nil
	}
	return readToolCache(path)[serverName]
}

func readToolCache(path string) cachedServers {
	data, err := os.ReadFile(path)
	if err != nil {
		return cachedServers{}
	}
	var wrapper struct {
		Servers cachedServers `json:"servers"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Servers == nil {
		return cachedServers{}
	}
	return wrapper.Servers
}
