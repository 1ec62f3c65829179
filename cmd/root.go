package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/config"
	"github.com/NickPittas/littlellm-sub005/internal/llm"
)

var (
	flagProvider string
	flagModel    string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "littlellm",
	Short: "Chat with LLM providers with streaming and tool use",
	Long: `littlellm streams responses from OpenAI-compatible servers and Ollama,
executes tool calls (including MCP tools), and keeps conversation sessions.

Examples:
  littlellm ask "What is the capital of France?"
  littlellm ask "Summarize this" < notes.txt
  littlellm ask -p ollama:llama3.2 "Explain goroutines"
  littlellm models
  littlellm sessions`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Provider to use, optionally with model (provider:model)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model override for the active provider")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Show tool execution details")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	provider, model := flagProvider, flagModel
	if provider != "" {
		// --provider accepts "name" or "name:model".
		p, m, err := llm.ParseProviderModel(provider, cfg)
		if err != nil {
			return nil, err
		}
		provider = p
		if m != "" {
			model = m
		}
	}
	cfg.ApplyOverrides(provider, model)
	return cfg, nil
}
