package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ProviderType identifies how a provider block is wired to the network.
type ProviderType string

const (
	ProviderTypeOpenAI       ProviderType = "openai"
	ProviderTypeOpenRouter   ProviderType = "openrouter"
	ProviderTypeGroq         ProviderType = "groq"
	ProviderTypeLMStudio     ProviderType = "lmstudio"
	ProviderTypeJan          ProviderType = "jan"
	ProviderTypeOllama       ProviderType = "ollama"
	ProviderTypeOpenAICompat ProviderType = "openai-compat"
)

// Config is the root configuration for littlellm.
type Config struct {
	Provider  string                    `mapstructure:"provider"` // default provider name
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Retry     RetryConfig               `mapstructure:"retry"`
	MCP       MCPConfig                 `mapstructure:"mcp"`
	Session   SessionConfig             `mapstructure:"session"`
	Usage     UsageConfig               `mapstructure:"usage"`
}

// ProviderConfig configures one upstream endpoint. Type is usually inferred
// from the block name; set it explicitly for custom names.
type ProviderConfig struct {
	Type    string            `mapstructure:"type"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Model   string            `mapstructure:"model"`
	Headers map[string]string `mapstructure:"headers"`

	// StrictTurnShape marks servers that reject assistant turns carrying
	// both content and tool_calls.
	StrictTurnShape bool `mapstructure:"strict_turn_shape"`
	// NonStreaming switches to single-body requests.
	NonStreaming bool `mapstructure:"non_streaming"`
	// TextToolCalls wraps the provider with text-based tool call extraction
	// for models that ignore the native tools field.
	TextToolCalls bool `mapstructure:"text_tool_calls"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	MaxParallel    int  `mapstructure:"max_parallel"`    // concurrent calls per batch
	TimeoutSeconds int  `mapstructure:"timeout_seconds"` // per-call timeout
	Heuristics     bool `mapstructure:"heuristics"`      // enable heuristic text extraction
	MaxTurns       int  `mapstructure:"max_turns"`       // agentic loop ceiling
}

// RetryConfig tunes the transient-error retry wrapper.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseSeconds int `mapstructure:"base_seconds"`
	MaxSeconds  int `mapstructure:"max_seconds"`
}

// MCPConfig lists MCP servers whose tools are exposed to the model.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig describes a single MCP server launched over stdio.
type MCPServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// SessionConfig controls conversation persistence.
type SessionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // sqlite file, defaults under data dir
}

// UsageConfig controls token usage logging.
type UsageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // jsonl file, defaults under data dir
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	// Environment overrides: LITTLELLM_PROVIDER, LITTLELLM_TOOLS_MAX_PARALLEL, ...
	viper.SetEnvPrefix("LITTLELLM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("provider", "openai")
	viper.SetDefault("tools.max_parallel", 5)
	viper.SetDefault("tools.timeout_seconds", 30)
	viper.SetDefault("tools.max_turns", 10)
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.base_seconds", 1)
	viper.SetDefault("retry.max_seconds", 30)
	viper.SetDefault("session.enabled", true)
	viper.SetDefault("usage.enabled", true)

	// Read config file (optional - won't error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, pc := range cfg.Providers {
		pc.APIKey = ResolveAPIKey(name, pc.APIKey)
		if pc.BaseURL == "" {
			pc.BaseURL = DefaultBaseURL(InferProviderType(name, pc.Type))
		}
		cfg.Providers[name] = pc
	}

	return &cfg, nil
}

// InferProviderType resolves a provider block's type from its explicit type
// field or, failing that, its name.
func InferProviderType(name, explicit string) ProviderType {
	if explicit != "" {
		return ProviderType(strings.ToLower(explicit))
	}
	switch strings.ToLower(name) {
	case "openai":
		return ProviderTypeOpenAI
	case "openrouter":
		return ProviderTypeOpenRouter
	case "groq":
		return ProviderTypeGroq
	case "lmstudio", "lm-studio":
		return ProviderTypeLMStudio
	case "jan":
		return ProviderTypeJan
	case "ollama":
		return ProviderTypeOllama
	default:
		return ProviderTypeOpenAICompat
	}
}

// DefaultBaseURL returns the conventional endpoint for a well-known
// provider type, or "" when no sensible default exists.
func DefaultBaseURL(t ProviderType) string {
	switch t {
	case ProviderTypeOpenAI:
		return "https://api.openai.com/v1"
	case ProviderTypeOpenRouter:
		return "https://openrouter.ai/api/v1"
	case ProviderTypeGroq:
		return "https://api.groq.com/openai/v1"
	case ProviderTypeLMStudio:
		return "http://localhost:1234/v1"
	case ProviderTypeJan:
		return "http://localhost:1337/v1"
	case ProviderTypeOllama:
		return "http://localhost:11434"
	default:
		return ""
	}
}

// ResolveAPIKey expands ${ENV_VAR} references and falls back to the
// conventional environment variable for well-known providers.
func ResolveAPIKey(name, key string) string {
	if strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		return os.Getenv(key[2 : len(key)-1])
	}
	if key != "" {
		return key
	}
	switch strings.ToLower(name) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	}
	return ""
}

// GetConfigDir returns the XDG config directory for littlellm.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "littlellm"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "littlellm"), nil
}

// GetDataDir returns the XDG data directory for littlellm.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "littlellm"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "littlellm"), nil
}

// SessionDBPath returns the sqlite path for session storage.
func (c *Config) SessionDBPath() (string, error) {
	if c.Session.Path != "" {
		return c.Session.Path, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "sessions.db"), nil
}

// UsageLogPath returns the jsonl path for usage logging.
func (c *Config) UsageLogPath() (string, error) {
	if c.Usage.Path != "" {
		return c.Usage.Path, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "usage.jsonl"), nil
}

// ApplyOverrides applies provider and model overrides from flags.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		pc := c.Providers[c.Provider]
		pc.Model = model
		c.Providers[c.Provider] = pc
	}
}
