package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// queryCacheSize bounds the LRU of query embeddings. Queries repeat
// across refinement loops, article embeddings never go through it.
const queryCacheSize = 256

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// EmbedderConfig selects the feature-extraction model.
type EmbedderConfig struct {
	// Model is a HuggingFace repo id, downloaded on first use.
	Model string

	// ModelDir caches downloaded models.
	ModelDir string

	// OrtLibraryPath points at libonnxruntime when it is not on the
	// default search path.
	OrtLibraryPath string
}

// onnxEmbedder runs a BGE-style feature-extraction model through the
// ONNX runtime. Loading is deferred to the first Embed call.
type onnxEmbedder struct {
	cfg EmbedderConfig

	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

func NewEmbedder(cfg EmbedderConfig) *onnxEmbedder {
	return &onnxEmbedder{cfg: cfg}
}

func (e *onnxEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.initOnce.Do(func() { e.initErr = e.load() })
	if e.initErr != nil {
		return nil, fmt.Errorf("embedder unavailable: %w", e.initErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	output, err := e.pipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding inference: %w", err)
	}
	if len(output.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return output.Embeddings[0], nil
}

func (e *onnxEmbedder) load() error {
	modelPath := filepath.Join(e.cfg.ModelDir, filepath.Base(e.cfg.Model))
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		downloaded, err := hugot.DownloadModel(e.cfg.Model, e.cfg.ModelDir, hugot.NewDownloadOptions())
		if err != nil {
			return fmt.Errorf("download embedding model %s: %w", e.cfg.Model, err)
		}
		modelPath = downloaded
	}

	sessionOpts := []options.WithOption{
		options.WithIntraOpNumThreads(runtime.NumCPU()),
	}
	if e.cfg.OrtLibraryPath != "" {
		sessionOpts = append(sessionOpts, options.WithOnnxLibraryPath(e.cfg.OrtLibraryPath))
	}

	session, err := hugot.NewORTSession(sessionOpts...)
	if err != nil {
		return fmt.Errorf("create ORT session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "knowledge-embedder",
	})
	if err != nil {
		session.Destroy()
		return fmt.Errorf("create embedding pipeline: %w", err)
	}

	e.session = session
	e.pipeline = pipeline
	return nil
}

func (e *onnxEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.pipeline = nil
	return nil
}

// cachingEmbedder memoizes query embeddings in an LRU.
type cachingEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

func newCachingEmbedder(inner Embedder) *cachingEmbedder {
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &cachingEmbedder{inner: inner, cache: cache}
}

func (c *cachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}

func (c *cachingEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
