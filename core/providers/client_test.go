package providers

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

// fakeAdapter scripts Complete and Stream behavior per call.
type fakeAdapter struct {
	name string

	completeErrs []error
	completeResp *Response
	calls        int

	streamFn func(ctx context.Context, handler StreamHandler) error
}

func (f *fakeAdapter) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.completeErrs) && f.completeErrs[idx] != nil {
		return nil, f.completeErrs[idx]
	}
	if f.completeResp != nil {
		return f.completeResp, nil
	}
	return &Response{Content: "ok", StopReason: StopReasonEndTurn}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req Request, handler StreamHandler) error {
	if f.streamFn != nil {
		return f.streamFn(ctx, handler)
	}
	return nil
}

func TestCompletePassesThrough(t *testing.T) {
	adapter := &fakeAdapter{completeResp: &Response{
		Content:    "the beam is down",
		Model:      "qwen3:32b",
		StopReason: StopReasonEndTurn,
		Usage:      Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
	client := NewClient(adapter, slog.Default())

	resp, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "the beam is down", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, 1, adapter.calls)
}

func TestCompleteRetriesOnceThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{
		completeErrs: []error{errors.New("connection reset")},
		completeResp: &Response{Content: "recovered"},
	}
	client := NewClient(adapter, slog.Default())

	resp, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, adapter.calls)
}

func TestCompleteSecondFailureIsServiceError(t *testing.T) {
	adapter := &fakeAdapter{
		completeErrs: []error{errors.New("boom"), errors.New("boom again")},
	}
	client := NewClient(adapter, slog.Default())

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, opserr.ErrLLMService)
	assert.Equal(t, 2, adapter.calls)
}

func TestCompleteCancellation(t *testing.T) {
	adapter := &fakeAdapter{
		completeErrs: []error{errors.New("first failure")},
	}
	client := NewClient(adapter, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, Request{})
	require.Error(t, err)
	assert.True(t, opserr.IsKind(err, opserr.KindCancellation))
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	adapter := &fakeAdapter{
		streamFn: func(ctx context.Context, handler StreamHandler) error {
			for _, text := range []string{"a", "b", "c"} {
				if err := handler(StreamChunk{Text: text}); err != nil {
					return err
				}
			}
			return handler(StreamChunk{
				Final:      true,
				StopReason: StopReasonEndTurn,
				Usage:      &Usage{TotalTokens: 3},
			})
		},
	}
	client := NewClient(adapter, slog.Default())

	var texts []string
	var final *StreamChunk
	err := client.Stream(context.Background(), Request{}, func(chunk StreamChunk) error {
		if chunk.Final {
			c := chunk
			final = &c
			return nil
		}
		texts = append(texts, chunk.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, texts)
	require.NotNil(t, final)
	assert.Equal(t, 3, final.Usage.TotalTokens)
}

func TestStreamIdleWatchdogCancels(t *testing.T) {
	adapter := &fakeAdapter{
		streamFn: func(ctx context.Context, handler StreamHandler) error {
			if err := handler(StreamChunk{Text: "partial"}); err != nil {
				return err
			}
			// Go silent until the watchdog cancels the context.
			<-ctx.Done()
			return ctx.Err()
		},
	}
	client := NewClient(adapter, slog.Default(), WithStreamIdleTimeout(30*time.Millisecond))

	start := time.Now()
	err := client.Stream(context.Background(), Request{}, func(chunk StreamChunk) error { return nil })
	require.Error(t, err)
	assert.True(t, opserr.IsKind(err, opserr.KindTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamUserCancellation(t *testing.T) {
	adapter := &fakeAdapter{
		streamFn: func(ctx context.Context, handler StreamHandler) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	client := NewClient(adapter, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := client.Stream(ctx, Request{}, func(chunk StreamChunk) error { return nil })
	require.Error(t, err)
	assert.True(t, opserr.IsKind(err, opserr.KindCancellation))
}

func TestStreamServiceError(t *testing.T) {
	adapter := &fakeAdapter{
		streamFn: func(ctx context.Context, handler StreamHandler) error {
			return errors.New("upstream hiccup")
		},
	}
	client := NewClient(adapter, slog.Default())

	err := client.Stream(context.Background(), Request{}, func(chunk StreamChunk) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, opserr.ErrLLMService)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	first := &fakeAdapter{name: "openai"}
	second := &fakeAdapter{name: "gemini"}
	registry.Register(first)
	registry.Register(second)

	got, err := registry.Get("gemini")
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Name())

	def, err := registry.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", def.Name())

	require.NoError(t, registry.SetDefault("gemini"))
	def, err = registry.Default()
	require.NoError(t, err)
	assert.Equal(t, "gemini", def.Name())

	_, err = registry.Get("anthropic")
	assert.Error(t, err)
	assert.Error(t, registry.SetDefault("anthropic"))

	assert.ElementsMatch(t, []string{"openai", "gemini"}, registry.Available())
}
