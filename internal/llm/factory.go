package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/NickPittas/littlellm-sub005/internal/config"
)

// ParseProviderModel parses "provider:model" or just "provider" from a flag
// value. Model is empty when not specified.
func ParseProviderModel(s string, cfg *config.Config) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	provider := strings.TrimSpace(parts[0])
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}

	if cfg != nil {
		if _, ok := cfg.Providers[provider]; ok {
			return provider, model, nil
		}
	}
	// Well-known types work without an explicit config block.
	if config.InferProviderType(provider, "") != config.ProviderTypeOpenAICompat {
		return provider, model, nil
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the configured default provider, wrapped with
// automatic retry for rate limits and transient errors.
func NewProvider(cfg *config.Config) (Provider, error) {
	return NewProviderByName(cfg, cfg.Provider)
}

// NewProviderByName creates a provider by name from the config. Well-known
// provider types work without an explicit config block.
func NewProviderByName(cfg *config.Config, name string) (Provider, error) {
	providerCfg, ok := cfg.Providers[name]
	if !ok && config.InferProviderType(name, "") == config.ProviderTypeOpenAICompat {
		return nil, fmt.Errorf("provider %q not configured", name)
	}

	opts := ExtractorOptions{EnableHeuristics: cfg.Tools.Heuristics}
	provider, err := createProviderFromConfig(name, &providerCfg, opts)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(provider, retryConfigFrom(cfg)), nil
}

func retryConfigFrom(cfg *config.Config) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseSeconds > 0 {
		rc.BaseBackoff = time.Duration(cfg.Retry.BaseSeconds) * time.Second
	}
	if cfg.Retry.MaxSeconds > 0 {
		rc.MaxBackoff = time.Duration(cfg.Retry.MaxSeconds) * time.Second
	}
	return rc
}

// createProviderFromConfig creates a provider from a ProviderConfig.
// Missing base URLs and API keys fall back to the conventions for
// well-known provider types, so `-p openai` works without a config block.
func createProviderFromConfig(name string, cfg *config.ProviderConfig, opts ExtractorOptions) (Provider, error) {
	providerType := config.InferProviderType(name, cfg.Type)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultBaseURL(providerType)
	}
	apiKey := config.ResolveAPIKey(name, cfg.APIKey)

	if providerType == config.ProviderTypeOllama {
		var p Provider = NewOllamaProvider(baseURL)
		if cfg.TextToolCalls {
			p = NewTextToolCallProvider(p).WithExtractorOptions(opts)
		}
		return p, nil
	}

	if baseURL == "" {
		return nil, fmt.Errorf("provider %q requires base_url", name)
	}

	displayName := strings.ToUpper(name[:1]) + name[1:]
	compat := NewOpenAICompatProvider(baseURL, apiKey, displayName)
	if len(cfg.Headers) > 0 {
		compat.WithHeaders(cfg.Headers)
	}
	if cfg.StrictTurnShape {
		compat.WithStrictTurnShape()
	}
	if cfg.NonStreaming {
		compat.WithoutStreaming()
	}

	var p Provider = compat
	// Local servers default to text extraction: their models often ignore
	// the native tools field.
	if cfg.TextToolCalls || providerType == config.ProviderTypeLMStudio || providerType == config.ProviderTypeJan {
		p = NewTextToolCallProvider(p).WithExtractorOptions(opts)
	}
	return p, nil
}
