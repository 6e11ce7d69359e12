// Package transport maintains long-lived MCP sessions to the configured
// tool servers and exposes discovery and invocation over them.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	opserr "github.com/psi-gfa/opsagent/core/errors"
	"github.com/psi-gfa/opsagent/core/tools"
)

// callTimeout bounds every tool invocation.
const callTimeout = 30 * time.Second

// rpcClient is the slice of the mcp-go client the session uses.
// Narrowed to an interface so tests can stub the wire.
type rpcClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc opens a new client for a server URL.
type dialFunc func(url string) (rpcClient, error)

func sseDial(url string) (rpcClient, error) {
	return client.NewSSEMCPClient(url)
}

// Session is one server connection. It reconnects lazily: a transport
// failure marks it dead, and the next use redials with backoff. After
// the third failed dial the session reports unavailable until the
// next turn resets it.
type Session struct {
	ID  string
	URL string

	dial   dialFunc
	logger *slog.Logger

	mu          sync.Mutex
	client      rpcClient
	connected   bool
	unavailable bool
}

func newSession(id, url string, dial dialFunc, logger *slog.Logger) *Session {
	return &Session{ID: id, URL: url, dial: dial, logger: logger}
}

// connectLocked dials and initializes. Caller holds s.mu.
func (s *Session) connectLocked(ctx context.Context) error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}

	c, err := s.dial(s.URL)
	if err != nil {
		return opserr.New(opserr.KindToolTransport, "dial tool server "+s.ID, err)
	}

	if err := c.Start(ctx); err != nil {
		c.Close()
		return opserr.New(opserr.KindToolTransport, "start session to "+s.ID, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "opsagent",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return opserr.New(opserr.KindToolTransport, "initialize session to "+s.ID, err)
	}

	s.client = c
	s.connected = true
	return nil
}

// ensureLocked makes sure a live client exists, redialing with backoff.
// Caller holds s.mu.
func (s *Session) ensureLocked(ctx context.Context) error {
	if s.connected && s.client != nil {
		return nil
	}
	if s.unavailable {
		return opserr.ErrToolUnavailable
	}

	policy := opserr.RetryPolicyFor(opserr.KindToolTransport)

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := opserr.CalculateDelay(attempt-1, policy)
			s.logger.Warn("tool server reconnect failed, backing off",
				"server", s.ID, "attempt", attempt, "delay", delay, "error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return opserr.New(opserr.KindCancellation, "reconnect canceled", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = s.connectLocked(ctx)
		if lastErr == nil {
			s.logger.Info("tool server connected", "server", s.ID, "url", s.URL)
			return nil
		}
	}

	s.unavailable = true
	s.logger.Error("tool server unavailable until next turn", "server", s.ID, "error", lastErr)
	return opserr.ErrToolUnavailable
}

// markDeadLocked flags the connection for redial on next use.
func (s *Session) markDeadLocked() {
	s.connected = false
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// ResetAvailability clears the unavailable flag so the next use redials.
// Called at turn boundaries.
func (s *Session) ResetAvailability() {
	s.mu.Lock()
	s.unavailable = false
	s.mu.Unlock()
}

// ListTools discovers the server's tools as registry descriptors.
func (s *Session) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(ctx); err != nil {
		return nil, err
	}

	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		s.markDeadLocked()
		return nil, opserr.New(opserr.KindToolTransport, "list tools on "+s.ID, err)
	}

	descriptors := make([]tools.Descriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		descriptors = append(descriptors, convertTool(tool, s.ID))
	}
	return descriptors, nil
}

// CallTool invokes one tool and returns the concatenated text content.
// Tool-level errors (IsError results) surface as transport-kind errors
// carrying the server's message.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(callCtx, req)
	if err != nil {
		s.markDeadLocked()
		if ctx.Err() != nil {
			return "", opserr.New(opserr.KindCancellation, "tool call canceled", ctx.Err())
		}
		return "", opserr.New(opserr.KindToolTransport, fmt.Sprintf("call %s on %s", name, s.ID), err)
	}

	text := concatText(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool reported an error without a message"
		}
		return "", opserr.New(opserr.KindToolTransport, msg, nil)
	}
	return text, nil
}

// Close shuts the session down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDeadLocked()
	return nil
}

func concatText(contents []mcp.Content) string {
	var parts []string
	for _, content := range contents {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// convertTool maps an MCP tool declaration onto a registry descriptor.
func convertTool(tool mcp.Tool, serverID string) tools.Descriptor {
	schema := tools.InputSchema{
		Type:     tool.InputSchema.Type,
		Required: tool.InputSchema.Required,
	}

	if len(tool.InputSchema.Properties) > 0 {
		schema.Properties = make(map[string]tools.Property, len(tool.InputSchema.Properties))
		for name, raw := range tool.InputSchema.Properties {
			schema.Properties[name] = convertProperty(raw)
		}
	}

	return tools.Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		ServerID:    serverID,
	}
}

func convertProperty(raw any) tools.Property {
	prop := tools.Property{}
	m, ok := raw.(map[string]any)
	if !ok {
		return prop
	}

	if t, ok := m["type"].(string); ok {
		prop.Type = t
	}
	if d, ok := m["description"].(string); ok {
		prop.Description = d
	}
	if def, ok := m["default"]; ok {
		prop.Default = def
	}
	if enumRaw, ok := m["enum"].([]any); ok {
		for _, v := range enumRaw {
			if s, ok := v.(string); ok {
				prop.Enum = append(prop.Enum, s)
			}
		}
	}
	return prop
}
