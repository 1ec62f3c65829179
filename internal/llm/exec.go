package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ToolFunc executes a named tool with raw JSON arguments.
type ToolFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

// ExecutorConfig configures batched tool execution.
type ExecutorConfig struct {
	MaxParallelTools int           // batch size cap
	Timeout          time.Duration // per-call wall clock limit
	RetryAttempts    int           // reserved; retries happen at the provider layer
	DisableDedup     bool          // run duplicate (name, arguments) pairs separately
}

// DefaultExecutorConfig returns the standard execution limits.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallelTools: 5,
		Timeout:          30 * time.Second,
	}
}

// ToolExecutor runs a batch of tool calls concurrently with deduplication,
// a parallelism cap, and per-call timeouts. It holds no state across
// invocations; the results slice is newly allocated per call to Execute.
type ToolExecutor struct {
	cfg ExecutorConfig

	// OnExecStart/OnExecEnd, when set, observe each physically executed
	// call. End callbacks fire as calls complete, from executor goroutines.
	OnExecStart func(ToolCall)
	OnExecEnd   func(ToolCall, ToolResult)
}

func NewToolExecutor(cfg ExecutorConfig) *ToolExecutor {
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultExecutorConfig().MaxParallelTools
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExecutorConfig().Timeout
	}
	return &ToolExecutor{cfg: cfg}
}

// Execute runs the calls and returns one ToolResult per input call,
// correlated by ID. Duplicate (name, canonical arguments) pairs execute
// once and share the canonical result's content and timing. Unique calls
// are partitioned into batches of MaxParallelTools; calls within a batch
// run concurrently, batches run strictly in sequence. Result order is
// completion order within a batch and submission order across batches —
// callers correlate by ID, never by position.
func (e *ToolExecutor) Execute(ctx context.Context, calls []ToolCall, run ToolFunc) []ToolResult {
	if len(calls) == 0 {
		return nil
	}

	// Collapse duplicates, remembering which inputs map to each unique call.
	type uniqueCall struct {
		call   ToolCall
		shared []ToolCall // every input call with this key, canonical first
	}
	var unique []uniqueCall
	if e.cfg.DisableDedup {
		unique = make([]uniqueCall, len(calls))
		for i, call := range calls {
			unique[i] = uniqueCall{call: call, shared: []ToolCall{call}}
		}
	} else {
		index := make(map[string]int, len(calls))
		for _, call := range calls {
			key := dedupeKey(call)
			if i, ok := index[key]; ok {
				unique[i].shared = append(unique[i].shared, call)
				continue
			}
			index[key] = len(unique)
			unique = append(unique, uniqueCall{call: call, shared: []ToolCall{call}})
		}
	}

	results := make([]ToolResult, 0, len(calls))
	emit := func(u uniqueCall, canonical ToolResult) {
		for _, call := range u.shared {
			r := canonical
			r.ID = call.ID
			results = append(results, r)
		}
	}

	for start := 0; start < len(unique); start += e.cfg.MaxParallelTools {
		end := start + e.cfg.MaxParallelTools
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		if ctx.Err() != nil {
			for _, u := range batch {
				emit(u, ToolResult{
					Name:    u.call.Name,
					Content: fmt.Sprintf("Error executing %s: cancelled", u.call.Name),
					IsError: true,
				})
			}
			continue
		}

		type done struct {
			unique uniqueCall
			result ToolResult
		}
		completed := make(chan done, len(batch))

		g := &errgroup.Group{}
		for _, u := range batch {
			g.Go(func() error {
				if e.OnExecStart != nil {
					e.OnExecStart(u.call)
				}
				result := e.runOne(ctx, u.call, run)
				if e.OnExecEnd != nil {
					e.OnExecEnd(u.call, result)
				}
				completed <- done{unique: u, result: result}
				return nil
			})
		}
		_ = g.Wait()
		close(completed)

		for d := range completed {
			emit(d.unique, d.result)
		}
	}

	return results
}

// runOne races the tool callback against the per-call timeout. On timeout
// the call is recorded as failed and abandoned; the underlying execution is
// not guaranteed to stop (best-effort via context cancellation only).
func (e *ToolExecutor) runOne(ctx context.Context, call ToolCall, run ToolFunc) ToolResult {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		output, err := run(callCtx, call.Name, call.Arguments)
		ch <- outcome{output: output, err: err}
	}()

	select {
	case oc := <-ch:
		elapsed := time.Since(start)
		if oc.err != nil {
			return ToolResult{
				ID:       call.ID,
				Name:     call.Name,
				Content:  FormatToolError(call.Name, oc.err),
				IsError:  true,
				Duration: elapsed,
			}
		}
		return ToolResult{
			ID:       call.ID,
			Name:     call.Name,
			Content:  oc.output,
			Duration: elapsed,
		}
	case <-callCtx.Done():
		elapsed := time.Since(start)
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", e.cfg.Timeout)
		}
		return ToolResult{
			ID:       call.ID,
			Name:     call.Name,
			Content:  FormatToolError(call.Name, err),
			IsError:  true,
			Duration: elapsed,
		}
	}
}

// SummarizeResults renders a short status block for a batch of results,
// suitable for appending to caller-visible output. Tool payloads are never
// re-emitted as model content outside this delimited form.
func SummarizeResults(results []ToolResult) string {
	if len(results) == 0 {
		return ""
	}
	var b []byte
	b = append(b, "[tools: "...)
	for i, r := range results {
		if i > 0 {
			b = append(b, ", "...)
		}
		status := "ok"
		if r.IsError {
			status = "failed"
		}
		b = append(b, fmt.Sprintf("%s %s in %dms", r.Name, status, r.Duration.Milliseconds())...)
	}
	b = append(b, ']')
	return string(b)
}
