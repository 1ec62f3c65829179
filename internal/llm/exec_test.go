package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeCalls(n int, name string) []ToolCall {
	calls := make([]ToolCall, n)
	for i := range calls {
		calls[i] = ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      name,
			Arguments: json.RawMessage(fmt.Sprintf(`{"n": %d}`, i)),
		}
	}
	return calls
}

func TestToolExecutor_OneResultPerCall(t *testing.T) {
	ex := NewToolExecutor(DefaultExecutorConfig())
	calls := makeCalls(3, "echo")

	results := ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		return string(args), nil
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.ID] = true
		if r.IsError {
			t.Errorf("result %s unexpectedly failed: %s", r.ID, r.Content)
		}
	}
	for _, c := range calls {
		if !seen[c.ID] {
			t.Errorf("no result for call %s", c.ID)
		}
	}
}

func TestToolExecutor_BatchesRespectParallelism(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxParallelTools = 5
	ex := NewToolExecutor(cfg)

	const callDuration = 100 * time.Millisecond
	calls := makeCalls(12, "sleepy")

	var inFlight, maxInFlight int64
	start := time.Now()
	results := ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(callDuration)
		atomic.AddInt64(&inFlight, -1)
		return "done", nil
	})
	elapsed := time.Since(start)

	if len(results) != 12 {
		t.Fatalf("expected 12 results, got %d", len(results))
	}
	if got := atomic.LoadInt64(&maxInFlight); got > 5 {
		t.Errorf("max in-flight calls = %d, want <= 5", got)
	}
	// 12 unique calls with cap 5 run as 3 sequential batches.
	if elapsed < 3*callDuration {
		t.Errorf("elapsed %v, want >= %v (three sequential batches)", elapsed, 3*callDuration)
	}
	if elapsed > 6*callDuration {
		t.Errorf("elapsed %v suggests batches did not run concurrently", elapsed)
	}
}

func TestToolExecutor_DedupesIdenticalCalls(t *testing.T) {
	ex := NewToolExecutor(DefaultExecutorConfig())

	calls := []ToolCall{
		{ID: "a", Name: "fetch", Arguments: json.RawMessage(`{"url": "x"}`)},
		{ID: "b", Name: "fetch", Arguments: json.RawMessage(`{ "url": "x" }`)}, // same canonical args
		{ID: "c", Name: "fetch", Arguments: json.RawMessage(`{"url": "y"}`)},
	}

	var executions int64
	results := ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		atomic.AddInt64(&executions, 1)
		return "body", nil
	})

	if got := atomic.LoadInt64(&executions); got != 2 {
		t.Errorf("executions = %d, want 2 (duplicates share one run)", got)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results (one per input call), got %d", len(results))
	}
	ids := make(map[string]bool)
	for _, r := range results {
		ids[r.ID] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !ids[want] {
			t.Errorf("missing result for call %s", want)
		}
	}
}

func TestToolExecutor_DisableDedup(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.DisableDedup = true
	ex := NewToolExecutor(cfg)

	calls := []ToolCall{
		{ID: "a", Name: "fetch", Arguments: json.RawMessage(`{"url": "x"}`)},
		{ID: "b", Name: "fetch", Arguments: json.RawMessage(`{"url": "x"}`)},
	}

	var executions int64
	ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		atomic.AddInt64(&executions, 1)
		return "", nil
	})
	if got := atomic.LoadInt64(&executions); got != 2 {
		t.Errorf("executions = %d, want 2 with dedup disabled", got)
	}
}

func TestToolExecutor_Timeout(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.Timeout = 50 * time.Millisecond
	ex := NewToolExecutor(cfg)

	calls := []ToolCall{{ID: "slow", Name: "hang", Arguments: json.RawMessage(`{}`)}}

	start := time.Now()
	results := ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	elapsed := time.Since(start)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].IsError {
		t.Error("expected timeout to produce an error result")
	}
	if !strings.Contains(results[0].Content, "timed out") {
		t.Errorf("Content = %q, want timeout message", results[0].Content)
	}
	if elapsed > time.Second {
		t.Errorf("timeout took %v, should fire near the 50ms limit", elapsed)
	}
}

func TestToolExecutor_ErrorResultKeepsCorrelation(t *testing.T) {
	ex := NewToolExecutor(DefaultExecutorConfig())

	calls := []ToolCall{
		{ID: "ok", Name: "good", Arguments: json.RawMessage(`{}`)},
		{ID: "bad", Name: "boom", Arguments: json.RawMessage(`{}`)},
	}

	results := ex.Execute(context.Background(), calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		if name == "boom" {
			return "", fmt.Errorf("exploded")
		}
		return "fine", nil
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.ID {
		case "ok":
			if r.IsError {
				t.Errorf("call ok failed: %s", r.Content)
			}
		case "bad":
			if !r.IsError {
				t.Error("call bad should report an error result")
			}
			if !strings.Contains(r.Content, "boom") {
				t.Errorf("error content %q should name the tool", r.Content)
			}
		default:
			t.Errorf("unexpected result id %s", r.ID)
		}
	}
}

func TestToolExecutor_CancelledContextSkipsRemainingBatches(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxParallelTools = 2
	ex := NewToolExecutor(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	calls := makeCalls(6, "step")
	var executed int64
	var once sync.Once

	results := ex.Execute(ctx, calls, func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		atomic.AddInt64(&executed, 1)
		once.Do(cancel) // cancel during the first batch
		return "ran", nil
	})

	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	if got := atomic.LoadInt64(&executed); got > 2 {
		t.Errorf("executed %d calls after cancellation, want at most the first batch", got)
	}

	var cancelled int
	for _, r := range results {
		if r.IsError && strings.Contains(r.Content, "cancelled") {
			cancelled++
		}
	}
	if cancelled < 4 {
		t.Errorf("cancelled results = %d, want the remaining batches marked cancelled", cancelled)
	}
}

func TestToolExecutor_ExecHooks(t *testing.T) {
	ex := NewToolExecutor(DefaultExecutorConfig())

	var mu sync.Mutex
	var started, ended []string
	ex.OnExecStart = func(c ToolCall) {
		mu.Lock()
		started = append(started, c.ID)
		mu.Unlock()
	}
	ex.OnExecEnd = func(c ToolCall, r ToolResult) {
		mu.Lock()
		ended = append(ended, r.ID)
		mu.Unlock()
	}

	ex.Execute(context.Background(), makeCalls(3, "noop"), func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		return "", nil
	})

	if len(started) != 3 || len(ended) != 3 {
		t.Errorf("hooks fired start=%d end=%d, want 3 each", len(started), len(ended))
	}
}

func TestSummarizeResults(t *testing.T) {
	results := []ToolResult{
		{Name: "read_file", Duration: 12 * time.Millisecond},
		{Name: "fetch", IsError: true, Duration: 40 * time.Millisecond},
	}
	got := SummarizeResults(results)
	if !strings.HasPrefix(got, "[tools: ") || !strings.HasSuffix(got, "]") {
		t.Errorf("summary %q not delimited", got)
	}
	if !strings.Contains(got, "read_file ok") || !strings.Contains(got, "fetch failed") {
		t.Errorf("summary %q missing statuses", got)
	}
	if SummarizeResults(nil) != "" {
		t.Error("empty results should produce empty summary")
	}
}
