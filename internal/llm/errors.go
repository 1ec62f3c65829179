package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrProtocolViolation marks fatal tool call/result bookkeeping errors.
// Silently dropping calls would desynchronize provider-side conversation
// state, so the run aborts instead.
var ErrProtocolViolation = errors.New("tool protocol violation")

// ProviderError is a non-2xx response from a provider, with the raw body
// attached and remediation text for the common failure codes.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s API error (status %d)", e.Provider, e.StatusCode)
	if hint := remediationFor(e.StatusCode); hint != "" {
		msg += ": " + hint
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func remediationFor(status int) string {
	switch status {
	case 401, 403:
		return "authentication failed, check your API key"
	case 429:
		return "rate limited, wait a moment and retry or reduce request frequency"
	case 500, 502, 503:
		return "service unavailable, the provider may be overloaded"
	default:
		return ""
	}
}

// RateLimitError carries an explicit server-provided wait duration.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s: %s", e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// IsLongWait reports whether the requested wait is too long to retry inline.
func (e *RateLimitError) IsLongWait() bool {
	return e.RetryAfter > 60*time.Second
}

// IsCancellation reports whether err represents a user/caller cancellation
// rather than a protocol or transport failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ToolErrorKind classifies a tool execution failure for the message the
// model gets to see.
type ToolErrorKind string

const (
	ToolErrTimeout     ToolErrorKind = "timeout"
	ToolErrNotFound    ToolErrorKind = "not_found"
	ToolErrNetwork     ToolErrorKind = "network"
	ToolErrInvalidArgs ToolErrorKind = "invalid_argument"
	ToolErrRateLimit   ToolErrorKind = "rate_limit"
	ToolErrAuth        ToolErrorKind = "auth"
	ToolErrOther       ToolErrorKind = "error"
)

// ClassifyToolError maps an execution error onto a coarse kind by pattern.
func ClassifyToolError(err error) ToolErrorKind {
	if err == nil {
		return ToolErrOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ToolErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ToolErrTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown tool") || strings.Contains(msg, "no such"):
		return ToolErrNotFound
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return ToolErrRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ToolErrAuth
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "missing required"):
		return ToolErrInvalidArgs
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "no such host") || strings.Contains(msg, "refused"):
		return ToolErrNetwork
	default:
		return ToolErrOther
	}
}

// FormatToolError renders a tool failure as the human-readable text returned
// to the model in the tool result.
func FormatToolError(name string, err error) string {
	return fmt.Sprintf("Error executing %s (%s): %v", name, ClassifyToolError(err), err)
}
