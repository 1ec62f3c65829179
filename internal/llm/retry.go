package llm

import (
	"context"
	"io"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryConfig bounds the automatic retry loop around provider streams.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryProvider retries transient stream failures transparently. Each retry
// is announced with an EventRetry so the caller can render progress; events
// already forwarded from a failed attempt are not replayed.
type RetryProvider struct {
	inner  Provider
	config RetryConfig
}

func WrapWithRetry(p Provider, config RetryConfig) Provider {
	return &RetryProvider{inner: p, config: config}
}

func (r *RetryProvider) Name() string {
	return r.inner.Name()
}

func (r *RetryProvider) Capabilities() Capabilities {
	return r.inner.Capabilities()
}

// SetCapabilityCache forwards to the inner provider so the text-extraction
// decorator keeps working when wrapped with retry logic.
func (r *RetryProvider) SetCapabilityCache(c *CapabilityCache) {
	if setter, ok := r.inner.(capabilityCacheSetter); ok {
		setter.SetCapabilityCache(c)
	}
}

// ListModels forwards to the inner provider when it supports model listing.
func (r *RetryProvider) ListModels(ctx context.Context) ([]string, error) {
	if lister, ok := r.inner.(ModelLister); ok {
		return lister.ListModels(ctx)
	}
	return nil, nil
}

func (r *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		var lastErr error
		for attempt := 1; ; attempt++ {
			err := r.runAttempt(ctx, req, events)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isRetryable(err) || attempt >= r.config.MaxAttempts {
				return err
			}
			lastErr = err

			wait := r.calculateBackoff(attempt, lastErr)
			events <- Event{
				Type:             EventRetry,
				RetryAttempt:     attempt,
				RetryMaxAttempts: r.config.MaxAttempts,
				RetryWaitSecs:    wait.Seconds(),
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}), nil
}

// runAttempt opens one inner stream and forwards it to completion. An
// EventError mid-stream (a 429 surfaced after headers, typically) is
// promoted to the attempt's error so it goes through retry classification.
func (r *RetryProvider) runAttempt(ctx context.Context, req Request, events chan<- Event) error {
	stream, err := r.inner.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if event.Type == EventError && event.Err != nil {
			return event.Err
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transientPatterns are error-text fragments worth retrying when the error
// carries no structured status. Covers rate limits, upstream flakiness, and
// transient network failures.
var transientPatterns = []string{
	"429", "rate limit", "too many requests",
	"502", "bad gateway",
	"503", "service unavailable", "overloaded",
	"connection refused", "connection reset",
	"timeout", "deadline exceeded",
	"temporary failure", "no such host",
}

// isRetryable reports whether an error is transient enough to retry.
func isRetryable(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *RateLimitError:
		// Long server-mandated waits are surfaced to the user instead.
		return !e.IsLongWait()
	case *ProviderError:
		switch e.StatusCode {
		case 429, 500, 502, 503:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+)`)

// calculateBackoff picks the wait before the next attempt. Server-provided
// Retry-After values win; otherwise exponential backoff with jitter.
func (r *RetryProvider) calculateBackoff(attempt int, err error) time.Duration {
	if wait, ok := serverMandatedWait(err); ok {
		return r.capWait(wait)
	}

	backoff := float64(r.config.BaseBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	// +/- 25% jitter keeps simultaneous clients from retrying in lockstep.
	backoff *= 1 + (rand.Float64()-0.5)*0.5
	return r.capWait(time.Duration(backoff))
}

// serverMandatedWait extracts an explicit Retry-After duration from the
// error, either structured or embedded in the message text.
func serverMandatedWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if rle, ok := err.(*RateLimitError); ok && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	if m := retryAfterRegex.FindStringSubmatch(err.Error()); len(m) > 1 {
		if secs, parseErr := strconv.Atoi(m[1]); parseErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

func (r *RetryProvider) capWait(wait time.Duration) time.Duration {
	if wait > r.config.MaxBackoff {
		return r.config.MaxBackoff
	}
	return wait
}
