package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// Registry maps tool names to descriptors. It is built once per session
// from the discovery results of every connected server and is read-only
// afterwards from the agent's point of view.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	allow  []glob.Glob
	logger *slog.Logger
}

// NewRegistry builds a registry with the given allowlist patterns. An
// empty pattern list admits every tool. Invalid patterns are rejected
// up front so a config typo fails loudly at startup.
func NewRegistry(allowPatterns []string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var allow []glob.Glob
	for _, pattern := range allowPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tools.allow pattern %q: %w", pattern, err)
		}
		allow = append(allow, g)
	}

	return &Registry{
		byName: make(map[string]Descriptor),
		allow:  allow,
		logger: logger,
	}, nil
}

// allowed reports whether a tool name passes the allowlist.
func (r *Registry) allowed(name string) bool {
	if len(r.allow) == 0 {
		return true
	}
	for _, g := range r.allow {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Merge adds a server's discovered tools. Name conflicts resolve
// last-loaded-wins and are logged; tools outside the allowlist are
// skipped.
func (r *Registry) Merge(serverID string, descriptors []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, desc := range descriptors {
		if !r.allowed(desc.Name) {
			r.logger.Debug("tool excluded by allowlist", "tool", desc.Name, "server", serverID)
			continue
		}
		if prev, exists := r.byName[desc.Name]; exists {
			r.logger.Warn("tool name conflict, last-loaded wins",
				"tool", desc.Name,
				"kept_server", serverID,
				"replaced_server", prev.ServerID,
			)
		}
		desc.ServerID = serverID
		r.byName[desc.Name] = desc
	}
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	return desc, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byName))
	for _, desc := range r.byName {
		out = append(out, desc)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
