package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindSchemaViolation, "schema_violation"},
		{KindPolicyRejection, "policy_rejection"},
		{KindToolTransport, "tool_transport"},
		{KindUpstreamHTTP, "upstream_http"},
		{KindLLMParse, "llm_parse"},
		{KindLLMService, "llm_service"},
		{KindCancellation, "cancellation"},
		{KindTimeout, "timeout"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKindErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(KindToolTransport, "call_tool failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the underlying cause")
	}

	var ke *KindError
	if !errors.As(err, &ke) {
		t.Fatal("expected errors.As to extract *KindError")
	}
	if ke.Kind != KindToolTransport {
		t.Errorf("kind = %v, want tool_transport", ke.Kind)
	}
}

func TestKindErrorIsMatchesSameKind(t *testing.T) {
	err := New(KindPolicyRejection, "over cap", nil)

	if !errors.Is(err, ErrToolCallBudget) {
		t.Error("errors of the same kind should match via errors.Is")
	}
	if errors.Is(err, ErrToolUnavailable) {
		t.Error("errors of different kinds should not match")
	}
}

func TestGetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"kind error", New(KindLLMParse, "bad json", nil), KindLLMParse},
		{"wrapped kind error", fmt.Errorf("outer: %w", New(KindUpstreamHTTP, "502", nil)), KindUpstreamHTTP},
		{"context canceled", context.Canceled, KindCancellation},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"plain error", fmt.Errorf("boom"), KindToolTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.want {
				t.Errorf("GetKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyFor(t *testing.T) {
	tests := []struct {
		kind        Kind
		maxAttempts int
		initial     time.Duration
	}{
		{KindToolTransport, 3, 100 * time.Millisecond},
		{KindUpstreamHTTP, 1, 500 * time.Millisecond},
		{KindLLMParse, 1, 500 * time.Millisecond},
		{KindLLMService, 1, 500 * time.Millisecond},
		{KindSchemaViolation, 0, 0},
		{KindPolicyRejection, 0, 0},
		{KindCancellation, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			policy := RetryPolicyFor(tt.kind)
			if policy.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", policy.MaxAttempts, tt.maxAttempts)
			}
			if policy.InitialDelay != tt.initial {
				t.Errorf("InitialDelay = %v, want %v", policy.InitialDelay, tt.initial)
			}
			if IsRetryable(tt.kind) != (tt.maxAttempts > 0) {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(tt.kind), tt.maxAttempts > 0)
			}
		})
	}
}

func TestWithStatusCode(t *testing.T) {
	err := New(KindUpstreamHTTP, "search failed", nil).WithStatusCode(503)
	if err.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", err.StatusCode)
	}
}
