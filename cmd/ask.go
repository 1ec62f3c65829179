package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/NickPittas/littlellm-sub005/internal/config"
	"github.com/NickPittas/littlellm-sub005/internal/llm"
	"github.com/NickPittas/littlellm-sub005/internal/mcp"
	"github.com/NickPittas/littlellm-sub005/internal/session"
	"github.com/NickPittas/littlellm-sub005/internal/usage"
)

var (
	askMaxTurns      int
	askSystemMessage string
	askResume        string
	askNoSession     bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask the LLM a question and receive a streaming response. Tool calls
(including MCP tools) run automatically until the model produces a final
answer.

Examples:
  littlellm ask "What is the capital of France?"
  littlellm ask -p ollama:llama3.2 "Explain goroutines"
  littlellm ask -d "List files in /tmp"
  cat error.log | littlellm ask "What went wrong?"
  littlellm ask -r "And what about Germany?"`,
	Args: cobra.MinimumNArgs(0),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().IntVar(&askMaxTurns, "max-turns", 0, "Maximum agentic round trips (0 for config default)")
	askCmd.Flags().StringVar(&askSystemMessage, "system", "", "System message for this request")
	askCmd.Flags().StringVarP(&askResume, "resume", "r", "", "Continue a session (empty for most recent, or session ID)")
	askCmd.Flags().Lookup("resume").NoOptDefVal = " " // flag given without value
	askCmd.Flags().BoolVar(&askNoSession, "no-session", false, "Do not persist this conversation")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	prompt, err := gatherPrompt(args)
	if err != nil {
		return err
	}
	if prompt == "" {
		return fmt.Errorf("no question provided")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := llm.NewProviderByName(cfg, cfg.Provider)
	if err != nil {
		return err
	}

	providerCfg := cfg.Providers[cfg.Provider]
	model := providerCfg.Model
	if model == "" {
		return fmt.Errorf("no model configured for provider %q", cfg.Provider)
	}

	registry := llm.NewRegistry()
	mcpManager := mcp.NewManager(cfg.MCP)
	if len(cfg.MCP.Servers) > 0 {
		if err := mcpManager.StartAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: MCP startup: %v\n", err)
		}
		defer mcpManager.StopAll()
		mcp.RegisterMCPTools(mcpManager, registry)
	}

	engine := llm.NewEngine(provider, registry)
	engine.SetCapabilityCache(llm.NewCapabilityCache())
	engine.SetExecutor(llm.NewToolExecutor(executorConfig(cfg)))
	if cfg.Usage.Enabled {
		if path, err := cfg.UsageLogPath(); err == nil {
			if logger, err := usage.NewLogger(path); err == nil {
				engine.SetUsageLogger(logger)
			}
		}
	}

	store, sess, history, err := openSession(ctx, cfg, model)
	if err != nil {
		return err
	}
	defer store.Close()

	messages := history
	if askSystemMessage != "" && len(messages) == 0 {
		messages = append(messages, llm.SystemText(askSystemMessage))
	}
	userMsg := llm.UserText(prompt)
	messages = append(messages, userMsg)

	maxTurns := askMaxTurns
	if maxTurns == 0 {
		maxTurns = cfg.Tools.MaxTurns
	}

	req := llm.Request{
		Model:    model,
		Messages: messages,
		MaxTurns: maxTurns,
		Debug:    flagDebug,
	}

	if sess != nil {
		if sess.Summary == "" {
			sess.Summary = session.SummaryFromText(prompt)
			_ = store.Update(ctx, sess)
		}
		_ = store.AddMessage(ctx, sess.ID, session.FromLLMMessage(sess.ID, userMsg))
	}

	resp, streamErr := streamAnswer(ctx, engine, req)

	if sess != nil {
		finishSession(ctx, store, sess, resp, streamErr)
	}

	if streamErr != nil {
		if llm.IsCancellation(streamErr) {
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			return nil
		}
		return streamErr
	}
	return nil
}

func executorConfig(cfg *config.Config) llm.ExecutorConfig {
	ec := llm.DefaultExecutorConfig()
	if cfg.Tools.MaxParallel > 0 {
		ec.MaxParallelTools = cfg.Tools.MaxParallel
	}
	if cfg.Tools.TimeoutSeconds > 0 {
		ec.Timeout = time.Duration(cfg.Tools.TimeoutSeconds) * time.Second
	}
	return ec
}

// streamAnswer runs the request and writes output as it arrives.
func streamAnswer(ctx context.Context, engine *llm.Engine, req llm.Request) (*llm.Response, error) {
	resp, err := engine.SendMessage(ctx, req, func(ev llm.Event) {
		switch ev.Type {
		case llm.EventTextDelta:
			fmt.Print(ev.Text)
		case llm.EventToolExecStart:
			if req.Debug {
				fmt.Fprintf(os.Stderr, "\n[tool %s starting]\n", ev.ToolName)
			}
		case llm.EventToolExecEnd:
			if req.Debug {
				status := "ok"
				if !ev.ToolSuccess {
					status = "error"
				}
				fmt.Fprintf(os.Stderr, "[tool %s %s]\n", ev.ToolName, status)
			}
		case llm.EventRetry:
			fmt.Fprintf(os.Stderr, "\n[retrying %d/%d in %.0fs]\n",
				ev.RetryAttempt, ev.RetryMaxAttempts, ev.RetryWaitSecs)
		}
	})
	fmt.Println()
	return resp, err
}

// gatherPrompt joins CLI args with any piped stdin.
func gatherPrompt(args []string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))

	stat, err := os.Stdin.Stat()
	if err != nil {
		return prompt, nil
	}
	if stat.Mode()&os.ModeCharDevice != 0 {
		return prompt, nil
	}

	piped, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	pipedStr := strings.TrimSpace(string(piped))
	if pipedStr == "" {
		return prompt, nil
	}
	if prompt == "" {
		return pipedStr, nil
	}
	return prompt + "\n\n" + pipedStr, nil
}

// openSession resolves the session store and, for --resume, the prior
// message history.
func openSession(ctx context.Context, cfg *config.Config, model string) (session.Store, *session.Session, []llm.Message, error) {
	if askNoSession || !cfg.Session.Enabled {
		return session.NoopStore{}, nil, nil, nil
	}

	dbPath, err := cfg.SessionDBPath()
	if err != nil {
		return session.NoopStore{}, nil, nil, nil
	}
	store, err := session.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: session store: %v\n", err)
		return session.NoopStore{}, nil, nil, nil
	}

	resume := askResume != ""
	if resume {
		sess, history, err := resumeSession(ctx, store, strings.TrimSpace(askResume))
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		if sess != nil {
			return store, sess, history, nil
		}
		fmt.Fprintln(os.Stderr, "warning: no session to resume, starting fresh")
	}

	sess := &session.Session{
		ID:       uuid.NewString(),
		Provider: cfg.Provider,
		Model:    model,
		Status:   session.StatusActive,
	}
	if err := store.Create(ctx, sess); err != nil {
		fmt.Fprintf(os.Stderr, "warning: create session: %v\n", err)
		store.Close()
		return session.NoopStore{}, nil, nil, nil
	}
	_ = store.SetCurrent(ctx, sess.ID)
	return store, sess, nil, nil
}

func resumeSession(ctx context.Context, store session.Store, id string) (*session.Session, []llm.Message, error) {
	var sess *session.Session
	var err error
	if id == "" {
		sess, err = store.GetCurrent(ctx)
	} else {
		sess, err = store.Get(ctx, id)
	}
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, nil
	}

	stored, err := store.GetMessages(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, m.ToLLMMessage())
	}
	return sess, history, nil
}

// finishSession persists the outcome and final messages.
func finishSession(ctx context.Context, store session.Store, sess *session.Session, resp *llm.Response, streamErr error) {
	status := session.StatusComplete
	switch {
	case streamErr == nil:
	case llm.IsCancellation(streamErr) || errors.Is(streamErr, context.Canceled):
		status = session.StatusInterrupted
	default:
		status = session.StatusError
	}

	if resp != nil {
		if resp.Content != "" {
			msg := llm.AssistantText(resp.Content)
			_ = store.AddMessage(ctx, sess.ID, session.FromLLMMessage(sess.ID, msg))
		}
		input, output := 0, 0
		if resp.Usage != nil {
			input, output = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		_ = store.UpdateMetrics(ctx, sess.ID, 1, len(resp.ToolCalls), input, output)
	}
	_ = store.UpdateStatus(ctx, sess.ID, status)
}
