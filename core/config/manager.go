// Package config loads and watches the opsagent configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/psi-gfa/opsagent/core/storage"
	"gopkg.in/yaml.v3"
)

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	path      string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	ELOG      ELOGConfig      `yaml:"elog"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	Serve     ServeConfig     `yaml:"serve"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

type ELOGConfig struct {
	URL             string        `yaml:"url"`
	Username        string        `yaml:"username"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ParallelReaders int           `yaml:"parallel_readers"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type KnowledgeConfig struct {
	DBPath     string `yaml:"db"`
	IndexPath  string `yaml:"index"`
	EmbedModel string `yaml:"embed_model"`
}

type RerankConfig struct {
	Model          string `yaml:"model"`
	ModelDir       string `yaml:"model_dir"`
	OrtLibraryPath string `yaml:"ort_library_path"`
}

type AgentConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	MaxCallsPerTool int           `yaml:"max_calls_per_tool"`
	MaxTotalCalls   int           `yaml:"max_total_calls"`
	HistoryMessages int           `yaml:"history_messages"`
	Temperature     float64       `yaml:"temperature"`
	SystemPrompt    string        `yaml:"system_prompt"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
}

type ToolsConfig struct {
	Enabled bool         `yaml:"enabled"`
	Allow   []string     `yaml:"allow"`
	Servers []ToolServer `yaml:"servers"`
}

type ToolServer struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type ServeConfig struct {
	ELOGAddr string `yaml:"elog_addr"`
	WikiAddr string `yaml:"wiki_addr"`
}

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{
		dirs:      dirs,
		path:      dirs.ConfigDir("config.yaml"),
		stopWatch: make(chan struct{}),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

// SetPath overrides the config file location (the --config flag).
func (m *Manager) SetPath(path string) {
	if path != "" {
		m.path = path
	}
}

// Path returns the config file location currently in use.
func (m *Manager) Path() string {
	return m.path
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "openai",
			BaseURL:           "http://localhost:11434/v1",
			Model:             "qwen3:32b",
			Timeout:           60 * time.Second,
			StreamIdleTimeout: 45 * time.Second,
		},
		ELOG: ELOGConfig{
			URL:             "https://elog-gfa.psi.ch/SwissFEL+commissioning+data/",
			ReadTimeout:     25 * time.Second,
			ParallelReaders: 10,
			CacheTTL:        10 * time.Minute,
		},
		Knowledge: KnowledgeConfig{
			EmbedModel: "sentence-transformers/all-MiniLM-L6-v2",
		},
		Rerank: RerankConfig{
			Model: "cross-encoder/ms-marco-MiniLM-L-6-v2",
		},
		Agent: AgentConfig{
			MaxIterations:   3,
			MaxCallsPerTool: 3,
			MaxTotalCalls:   8,
			HistoryMessages: 6,
			Temperature:     0.2,
			ToolTimeout:     30 * time.Second,
		},
		Tools: ToolsConfig{
			Enabled: true,
			Allow:   []string{"*"},
		},
		Serve: ServeConfig{
			ELOGAddr: ":8801",
			WikiAddr: ":8802",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadYAMLFile(m.path, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", m.path, err)
	}

	m.applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("OPSAGENT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("OPSAGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPSAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("OPSAGENT_ELOG_URL"); v != "" {
		cfg.ELOG.URL = v
	}
	if v := os.Getenv("OPSAGENT_ELOG_USERNAME"); v != "" {
		cfg.ELOG.Username = v
	}
	if v := os.Getenv("OPSAGENT_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("OPSAGENT_TOOLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tools.Enabled = b
		}
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxCallsPerTool < 1 {
		return fmt.Errorf("agent.max_calls_per_tool must be >= 1, got %d", c.Agent.MaxCallsPerTool)
	}
	if c.Agent.MaxTotalCalls < 1 {
		return fmt.Errorf("agent.max_total_calls must be >= 1, got %d", c.Agent.MaxTotalCalls)
	}
	if c.ELOG.ParallelReaders < 1 {
		return fmt.Errorf("elog.parallel_readers must be >= 1, got %d", c.ELOG.ParallelReaders)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive, got %v", c.LLM.Timeout)
	}
	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}
