// Package errors implements the error taxonomy shared by the agent,
// tool transport, and retrieval cores, with per-kind retry behavior.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error by where it is raised and how it is handled.
type Kind int

const (
	// KindSchemaViolation indicates a tool selection whose arguments fail
	// the declared input schema. The invocation is dropped.
	KindSchemaViolation Kind = iota

	// KindPolicyRejection indicates the usage ledger refused an invocation
	// (duplicate call or over-cap). The invocation is dropped.
	KindPolicyRejection

	// KindToolTransport indicates a tool-server session failure. The result
	// is recorded per-invocation and fed into evaluation as "no result".
	KindToolTransport

	// KindUpstreamHTTP indicates a logbook HTTP failure. 5xx responses get
	// a single retry; anything else is treated as no data.
	KindUpstreamHTTP

	// KindLLMParse indicates the model returned output that does not decode
	// into the expected JSON shape.
	KindLLMParse

	// KindLLMService indicates the model call itself failed.
	KindLLMService

	// KindCancellation indicates the user canceled the turn.
	KindCancellation

	// KindTimeout indicates a suspension point exceeded its deadline.
	KindTimeout
)

var kindNames = map[Kind]string{
	KindSchemaViolation: "schema_violation",
	KindPolicyRejection: "policy_rejection",
	KindToolTransport:   "tool_transport",
	KindUpstreamHTTP:    "upstream_http",
	KindLLMParse:        "llm_parse",
	KindLLMService:      "llm_service",
	KindCancellation:    "cancellation",
	KindTimeout:         "timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindError wraps an error with its kind classification.
type KindError struct {
	Kind       Kind
	Message    string
	Underlying error
	StatusCode int
}

// Error implements the error interface.
func (e *KindError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *KindError) Unwrap() error {
	return e.Underlying
}

// Is matches any KindError of the same kind.
func (e *KindError) Is(target error) bool {
	var ke *KindError
	if errors.As(target, &ke) {
		return e.Kind == ke.Kind
	}
	return false
}

// New creates a KindError with the given kind and message.
func New(kind Kind, message string, underlying error) *KindError {
	return &KindError{
		Kind:       kind,
		Message:    message,
		Underlying: underlying,
	}
}

// WithStatusCode adds an HTTP status code to the error.
func (e *KindError) WithStatusCode(code int) *KindError {
	e.StatusCode = code
	return e
}

// GetKind extracts the Kind from an error. Context cancellation and
// deadline expiry map to their own kinds; everything else defaults to
// KindLLMService for LLM paths and should be wrapped at the raise site.
func GetKind(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindToolTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// Common sentinel errors.
var (
	// ErrToolUnavailable marks a tool server that failed reconnection and
	// is skipped until the next turn.
	ErrToolUnavailable = New(KindToolTransport, "tool server unavailable", nil)

	// ErrEmptyRegistry marks the fatal misconfiguration of tools being
	// enabled with no tools discovered.
	ErrEmptyRegistry = New(KindLLMService, "tool registry is empty with tools enabled", nil)

	// ErrDuplicateInvocation marks a (tool, arguments) pair already spent
	// this turn.
	ErrDuplicateInvocation = New(KindPolicyRejection, "duplicate tool invocation", nil)

	// ErrToolCallBudget marks a per-tool or total invocation cap hit.
	ErrToolCallBudget = New(KindPolicyRejection, "tool call budget exhausted", nil)

	// ErrLLMService marks a model call that failed after its retry.
	ErrLLMService = New(KindLLMService, "llm service failed", nil)
)

// RetryPolicyFor returns the retry policy for an error kind.
// Kinds not listed never retry.
func RetryPolicyFor(kind Kind) *RetryPolicy {
	switch kind {
	case KindToolTransport:
		// Three dials per outage, 100ms then 400ms between them.
		return &RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   4.0,
		}
	case KindUpstreamHTTP:
		// Single retry with a fixed 500ms pause, 5xx only (caller gates).
		return &RetryPolicy{
			MaxAttempts:  1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   1.0,
		}
	case KindLLMParse, KindLLMService:
		return &RetryPolicy{
			MaxAttempts:  1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   1.0,
		}
	default:
		return &RetryPolicy{}
	}
}

// IsRetryable reports whether errors of this kind get another attempt.
func IsRetryable(kind Kind) bool {
	return RetryPolicyFor(kind).MaxAttempts > 0
}
