package providers

import (
	"context"
	"log/slog"
	"time"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

const (
	// DefaultCompleteTimeout bounds a non-streaming call.
	DefaultCompleteTimeout = 60 * time.Second

	// DefaultStreamIdleTimeout aborts a stream that goes silent
	// between chunks.
	DefaultStreamIdleTimeout = 45 * time.Second
)

// Client wraps an adapter with the service-level behavior the agent
// relies on: a completion timeout, an idle watchdog on streams, and a
// single retry before the failure is surfaced as an LLM service error.
type Client struct {
	adapter         ProviderAdapter
	completeTimeout time.Duration
	idleTimeout     time.Duration
	logger          *slog.Logger
}

// ClientOption adjusts client behavior.
type ClientOption func(*Client)

func WithCompleteTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.completeTimeout = d }
}

func WithStreamIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.idleTimeout = d }
}

func NewClient(adapter ProviderAdapter, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		adapter:         adapter,
		completeTimeout: DefaultCompleteTimeout,
		idleTimeout:     DefaultStreamIdleTimeout,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the wrapped adapter's name.
func (c *Client) Provider() string {
	return c.adapter.Name()
}

// Complete runs a bounded non-streaming call. A failed call is retried
// once after a short pause; the second failure surfaces ErrLLMService.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	policy := opserr.RetryPolicyFor(opserr.KindLLMService)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := opserr.CalculateDelay(attempt-1, policy)
			c.logger.Warn("llm call failed, retrying",
				"provider", c.adapter.Name(), "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, opserr.New(opserr.KindCancellation, "llm call canceled", ctx.Err())
			case <-timer.C:
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.completeTimeout)
		resp, err := c.adapter.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, opserr.New(opserr.KindCancellation, "llm call canceled", ctx.Err())
		}
		lastErr = err
	}

	return nil, opserr.New(opserr.KindLLMService, "llm call failed after retry", lastErr)
}

// Stream runs a streaming call guarded by the idle watchdog: the
// timer resets on every chunk, and a silent stream is canceled.
// Streams are not retried; partial output may already have reached
// the handler.
func (c *Client) Stream(ctx context.Context, req Request, handler StreamHandler) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := newIdleWatchdog(c.idleTimeout, cancel)
	defer watchdog.stop()

	err := c.adapter.Stream(streamCtx, req, func(chunk StreamChunk) error {
		watchdog.kick()
		return handler(chunk)
	})
	if err == nil {
		return nil
	}

	if watchdog.fired() {
		c.logger.Error("llm stream idle timeout",
			"provider", c.adapter.Name(), "idle", c.idleTimeout)
		return opserr.New(opserr.KindTimeout, "llm stream went idle", err)
	}
	if ctx.Err() != nil {
		return opserr.New(opserr.KindCancellation, "llm stream canceled", ctx.Err())
	}
	return opserr.New(opserr.KindLLMService, "llm stream failed", err)
}

// idleWatchdog cancels a stream when no chunk arrives within the
// window.
type idleWatchdog struct {
	timer    *time.Timer
	window   time.Duration
	timedOut chan struct{}
	done     chan struct{}
}

func newIdleWatchdog(window time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{
		window:   window,
		timedOut: make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.timer = time.NewTimer(window)

	go func() {
		select {
		case <-w.timer.C:
			close(w.timedOut)
			cancel()
		case <-w.done:
		}
	}()
	return w
}

// kick resets the idle timer; called per chunk.
func (w *idleWatchdog) kick() {
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.window)
}

func (w *idleWatchdog) fired() bool {
	select {
	case <-w.timedOut:
		return true
	default:
		return false
	}
}

func (w *idleWatchdog) stop() {
	w.timer.Stop()
	select {
	case <-w.timedOut:
	default:
		close(w.done)
	}
}
