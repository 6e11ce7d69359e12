package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/psi-gfa/opsagent/core/agent"
	"github.com/psi-gfa/opsagent/core/config"
	"github.com/psi-gfa/opsagent/core/credentials"
	"github.com/psi-gfa/opsagent/core/database"
	"github.com/psi-gfa/opsagent/core/elog"
	"github.com/psi-gfa/opsagent/core/knowledge"
	"github.com/psi-gfa/opsagent/core/prompt"
	"github.com/psi-gfa/opsagent/core/providers"
	"github.com/psi-gfa/opsagent/core/rerank"
	"github.com/psi-gfa/opsagent/core/session"
	"github.com/psi-gfa/opsagent/core/storage"
	"github.com/psi-gfa/opsagent/core/tools"
	"github.com/psi-gfa/opsagent/core/transport"
)

// app carries the pieces every subcommand starts from: resolved
// directories, the loaded config, the logger, and the database
// manager.
type app struct {
	dirs   *storage.Dirs
	config *config.Manager
	logger *slog.Logger
	db     *database.Manager
}

func newApp() (*app, error) {
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return nil, fmt.Errorf("resolve directories: %w", err)
	}
	if err := dirs.EnsureAll(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m := config.NewManager(dirs)
	m.SetPath(flagConfig)
	if err := m.Load(); err != nil {
		return nil, err
	}

	return &app{dirs: dirs, config: m, logger: logger, db: database.NewManager(dirs)}, nil
}

// close releases what newApp opened plus any database pools opened
// along the way.
func (a *app) close() {
	if err := a.db.CloseAll(); err != nil {
		a.logger.Warn("closing database pools", "error", err)
	}
	_ = a.config.Close()
}

func (a *app) credentials() (*credentials.Store, error) {
	return credentials.Open(a.dirs.CredentialsDir())
}

// secret reads one credential, treating a missing key as empty. Local
// backends (Ollama, anonymous logbooks) run without secrets.
func (a *app) secret(key string) (string, error) {
	store, err := a.credentials()
	if err != nil {
		return "", err
	}
	value, err := store.Get(key)
	if errors.Is(err, credentials.ErrNotFound) {
		return "", nil
	}
	return value, err
}

// llmClient builds the provider client the config selects.
func (a *app) llmClient(ctx context.Context) (*providers.Client, error) {
	cfg := a.config.Get()

	registry := providers.NewRegistry()
	var adapter providers.ProviderAdapter

	switch cfg.LLM.Provider {
	case "openai":
		key, err := a.secret(credentials.KeyOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		adapter = providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	case "anthropic":
		key, err := a.secret(credentials.KeyAnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic requires an API key: run 'opsagent auth set %s'", credentials.KeyAnthropicAPIKey)
		}
		adapter = providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	case "gemini":
		key, err := a.secret(credentials.KeyGeminiAPIKey)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, fmt.Errorf("gemini requires an API key: run 'opsagent auth set %s'", credentials.KeyGeminiAPIKey)
		}
		adapter, err = providers.NewGemini(ctx, providers.GeminiConfig{
			APIKey: key,
			Model:  cfg.LLM.Model,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}

	registry.Register(adapter)
	chosen, err := registry.Default()
	if err != nil {
		return nil, err
	}

	return providers.NewClient(chosen, a.logger,
		providers.WithCompleteTimeout(cfg.LLM.Timeout),
		providers.WithStreamIdleTimeout(cfg.LLM.StreamIdleTimeout),
	), nil
}

// elogService builds the logbook retrieval pipeline.
func (a *app) elogService() (*elog.Service, error) {
	cfg := a.config.Get()

	password, err := a.secret(credentials.KeyELOGPassword)
	if err != nil {
		return nil, err
	}

	clientCfg := elog.ClientConfig{
		URL:         cfg.ELOG.URL,
		Username:    cfg.ELOG.Username,
		ReadTimeout: cfg.ELOG.ReadTimeout,
	}
	if password != "" {
		clientCfg.PasswordHash = elog.CookieHash(password)
	}

	client, err := elog.NewClient(clientCfg, a.logger)
	if err != nil {
		return nil, err
	}

	reranker := rerank.New(rerank.Config{
		Model:          cfg.Rerank.Model,
		ModelDir:       a.modelDir(cfg.Rerank.ModelDir),
		OrtLibraryPath: cfg.Rerank.OrtLibraryPath,
	}, a.logger)

	return elog.NewService(client, reranker, cfg.ELOG.ParallelReaders, a.logger), nil
}

// knowledgePool opens the wiki article database.
func (a *app) knowledgePool() (*database.Pool, error) {
	cfg := a.config.Get()

	dbName := "knowledge"
	if cfg.Knowledge.DBPath != "" {
		dbName = cfg.Knowledge.DBPath
		if !filepath.IsAbs(dbName) {
			// The pool resolver appends .db to relative names.
			dbName = strings.TrimSuffix(dbName, ".db")
		}
	}
	pool, err := a.db.Open(dbName, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	return pool, nil
}

// knowledgeRetriever opens the wiki store, full-text index, and
// embedder.
func (a *app) knowledgeRetriever(ctx context.Context) (*knowledge.Retriever, error) {
	cfg := a.config.Get()

	pool, err := a.knowledgePool()
	if err != nil {
		return nil, err
	}

	store, err := knowledge.NewStore(ctx, pool)
	if err != nil {
		return nil, err
	}

	indexPath := cfg.Knowledge.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(a.dirs.KnowledgeDir(), "index.bleve")
	}
	sparse, err := knowledge.OpenSparseIndex(indexPath)
	if err != nil {
		return nil, err
	}

	embedder := knowledge.NewEmbedder(knowledge.EmbedderConfig{
		Model:          cfg.Knowledge.EmbedModel,
		ModelDir:       a.modelDir(""),
		OrtLibraryPath: cfg.Rerank.OrtLibraryPath,
	})

	return knowledge.NewRetriever(store, embedder, sparse, a.logger), nil
}

func (a *app) modelDir(override string) string {
	if override != "" {
		return override
	}
	return a.dirs.ModelsDir()
}

// toolRuntime connects the configured tool servers and discovers
// their tools into a registry.
func (a *app) toolRuntime(ctx context.Context) (*tools.Registry, *transport.Manager, error) {
	cfg := a.config.Get()

	registry, err := tools.NewRegistry(cfg.Tools.Allow, a.logger)
	if err != nil {
		return nil, nil, err
	}

	servers := make([]transport.ServerConfig, 0, len(cfg.Tools.Servers))
	for _, s := range cfg.Tools.Servers {
		servers = append(servers, transport.ServerConfig{ID: s.ID, URL: s.URL})
	}

	manager := transport.NewManager(servers, a.logger)
	manager.Discover(ctx, registry)
	return registry, manager, nil
}

// sessionStore opens the session database.
func (a *app) sessionStore() (*session.Store, error) {
	return session.OpenStore(filepath.Join(a.dirs.SessionsDir(), "sessions.db"), a.logger)
}

// orchestratorOptions merges config defaults with the session
// settings. Settings win where they are set.
func orchestratorOptions(cfg *config.Config, settings session.Settings, descriptors []tools.Descriptor) agent.Options {
	template := settings.SystemPromptTemplate
	if template == "" {
		template = cfg.Agent.SystemPrompt
	}
	if template == "" {
		template = prompt.DefaultSystemPrompt
	}

	model := settings.Model
	if model == "" {
		model = cfg.LLM.Model
	}

	return agent.Options{
		Model:              model,
		Temperature:        settings.Temperature,
		ToolsEnabled:       cfg.Tools.Enabled && settings.ToolsEnabled,
		MaxIterations:      settings.MaxIterations,
		MaxHistoryMessages: settings.MaxHistoryMessages,
		MaxCallsPerTool:    cfg.Agent.MaxCallsPerTool,
		MaxTotalCalls:      cfg.Agent.MaxTotalCalls,
		ToolTimeout:        cfg.Agent.ToolTimeout,
		SystemPrompt:       prompt.RenderSystemPrompt(template, descriptors),
	}
}
