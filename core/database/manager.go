// Package database pools sqlite connections for the stores that need
// them and runs their schema migrations.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/psi-gfa/opsagent/core/storage"
)

// Manager hands out one pool per named database, resolving short
// names to files under the application directories.
type Manager struct {
	dirs  *storage.Dirs
	mu    sync.Mutex
	pools map[string]*Pool
}

func NewManager(dirs *storage.Dirs) *Manager {
	return &Manager{
		dirs:  dirs,
		pools: make(map[string]*Pool),
	}
}

// Open returns the pool for name, creating the database file on first
// use. Repeated opens of the same name share one pool.
func (m *Manager) Open(name string, cfg PoolConfig) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[name]; ok {
		return pool, nil
	}

	path := m.resolve(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	pool, err := openPool(path, cfg)
	if err != nil {
		return nil, err
	}
	m.pools[name] = pool
	return pool, nil
}

// CloseAll closes every pool the manager opened.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, name)
	}
	return firstErr
}

// resolve maps a name to its file. The wiki store has a fixed home
// next to its full-text index; absolute paths pass through, anything
// else lands in the data directory.
func (m *Manager) resolve(name string) string {
	switch {
	case name == "knowledge":
		return filepath.Join(m.dirs.KnowledgeDir(), "articles.db")
	case filepath.IsAbs(name):
		return name
	default:
		return m.dirs.DataDir(name + ".db")
	}
}
