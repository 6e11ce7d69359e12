package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/psi-gfa/opsagent/core/tools"
)

// ServerConfig identifies one tool server to connect to.
type ServerConfig struct {
	ID  string
	URL string
}

// Manager owns one session per configured server, reused across turns.
type Manager struct {
	sessions map[string]*Session
	order    []string
	logger   *slog.Logger
}

func NewManager(servers []ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		sessions: make(map[string]*Session, len(servers)),
		logger:   logger,
	}
	for _, server := range servers {
		m.sessions[server.ID] = newSession(server.ID, server.URL, sseDial, logger)
		m.order = append(m.order, server.ID)
	}
	return m
}

// Discover connects every server and merges its tools into the
// registry. A server that fails discovery is logged and skipped; its
// session stays around for lazy reconnection.
func (m *Manager) Discover(ctx context.Context, registry *tools.Registry) {
	for _, id := range m.order {
		session := m.sessions[id]
		descriptors, err := session.ListTools(ctx)
		if err != nil {
			m.logger.Warn("tool discovery failed, server skipped", "server", id, "error", err)
			continue
		}
		registry.Merge(id, descriptors)
		m.logger.Info("tool server discovered", "server", id, "tools", len(descriptors))
	}
}

// Call routes an invocation to the session owning the tool.
func (m *Manager) Call(ctx context.Context, serverID, tool string, args map[string]any) (string, error) {
	session, ok := m.sessions[serverID]
	if !ok {
		return "", fmt.Errorf("no session for tool server %q", serverID)
	}
	return session.CallTool(ctx, tool, args)
}

// BeginTurn clears per-turn unavailability so dead servers get a fresh
// reconnect attempt.
func (m *Manager) BeginTurn() {
	for _, session := range m.sessions {
		session.ResetAvailability()
	}
}

// Close shuts down every session.
func (m *Manager) Close() error {
	for _, session := range m.sessions {
		session.Close()
	}
	return nil
}
