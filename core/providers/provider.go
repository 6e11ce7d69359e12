// Package providers adapts the configured LLM backends behind one
// request/response surface. The agent talks to a Client, which adds
// timeouts, a streaming idle watchdog, and the service retry.
package providers

import (
	"context"
)

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request in provider-neutral form.
type Request struct {
	Model        string    `json:"model,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

// StopReason explains why generation ended.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonError     StopReason = "error"
)

// Usage carries token accounting reported by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// StreamChunk is one unit of a streaming response. Text chunks carry
// the delta; the final chunk carries stop reason and usage.
type StreamChunk struct {
	Text       string
	Final      bool
	StopReason StopReason
	Usage      *Usage
}

// StreamHandler consumes stream chunks in arrival order. Returning an
// error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// ProviderAdapter is one LLM backend.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, handler StreamHandler) error
}
