// Package rerank scores search candidates against a query with an ONNX
// cross-encoder and orders them by combined semantic and recency score
// under a per-category diversity cap.
package rerank

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

const (
	// HalfLifeHours controls the exponential recency boost decay.
	HalfLifeHours = 48.0

	// MaxPerCategory caps how many picks may share one category before
	// the greedy selection skips ahead.
	MaxPerCategory = 5

	// maxBodyBytes approximates the 512-token input window of the
	// cross-encoder. Truncation lands on a word boundary.
	maxBodyBytes = 2048
)

// Candidate is one document to be scored against the query.
type Candidate struct {
	ID        int
	Title     string
	Body      string
	Category  string
	Timestamp time.Time
}

// Scored pairs a candidate index with its scores.
type Scored struct {
	Index         int
	SemanticScore float64
	FinalScore    float64
}

// Scorer produces query-document relevance scores. Implemented by the
// cross-encoder; swapped for a stub in tests.
type Scorer interface {
	Score(query string, documents []string) ([]float64, error)
}

// Config holds reranker model settings.
type Config struct {
	// Model is the HuggingFace repo of the cross-encoder.
	Model string

	// ModelDir caches downloaded models.
	ModelDir string

	// OrtLibraryPath overrides ONNX runtime library discovery.
	OrtLibraryPath string
}

// Reranker lazily loads a cross-encoder on first use and reorders
// candidates. The loaded model is shared across turns. If loading
// fails, ordering falls back to timestamp descending.
type Reranker struct {
	cfg    Config
	logger *slog.Logger

	initOnce sync.Once
	scorer   Scorer
	initErr  error

	// scorerOverride is injected by tests before first use.
	scorerOverride Scorer
}

func New(cfg Config, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{cfg: cfg, logger: logger}
}

// NewWithScorer builds a reranker around an existing scorer, bypassing
// model loading. Used by tests and by callers that manage the model
// lifecycle themselves.
func NewWithScorer(s Scorer, logger *slog.Logger) *Reranker {
	r := New(Config{}, logger)
	r.scorerOverride = s
	return r
}

// Rerank scores candidates against the query and returns the top k in
// final-score order. Output never exceeds k and only contains indexes
// into the input slice. Deterministic for fixed inputs: ties break by
// original index.
func (r *Reranker) Rerank(query string, candidates []Candidate, k int) []Scored {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	scorer := r.ensureScorer()
	if scorer == nil {
		return r.fallbackOrder(candidates, k)
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Title + " " + truncateWords(c.Body, maxBodyBytes)
	}

	semantic, err := scorer.Score(query, docs)
	if err != nil || len(semantic) != len(candidates) {
		r.logger.Warn("cross-encoder scoring failed, falling back to recency order", "error", err)
		return r.fallbackOrder(candidates, k)
	}

	now := time.Now()
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		raw := semantic[i] * recencyBoost(c.Timestamp, now)
		scored[i] = Scored{Index: i, SemanticScore: semantic[i], FinalScore: raw}
	}

	sort.SliceStable(scored, func(a, b int) bool {
		if scored[a].FinalScore != scored[b].FinalScore {
			return scored[a].FinalScore > scored[b].FinalScore
		}
		return scored[a].Index < scored[b].Index
	})

	return diversityPick(scored, candidates, k)
}

// diversityPick greedily selects from score-ordered candidates, skipping
// any whose category already holds MaxPerCategory picks. The cap relaxes
// when honoring it would return fewer than k results.
func diversityPick(ordered []Scored, candidates []Candidate, k int) []Scored {
	picked := make([]Scored, 0, k)
	perCategory := make(map[string]int)
	var skipped []Scored

	for _, s := range ordered {
		if len(picked) >= k {
			break
		}
		cat := candidates[s.Index].Category
		if perCategory[cat] >= MaxPerCategory {
			skipped = append(skipped, s)
			continue
		}
		perCategory[cat]++
		picked = append(picked, s)
	}

	// Relax the cap rather than come up short.
	for _, s := range skipped {
		if len(picked) >= k {
			break
		}
		picked = append(picked, s)
	}

	return picked
}

func (r *Reranker) fallbackOrder(candidates []Candidate, k int) []Scored {
	order := make([]Scored, len(candidates))
	for i := range candidates {
		order[i] = Scored{Index: i}
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta := candidates[order[a].Index].Timestamp
		tb := candidates[order[b].Index].Timestamp
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return order[a].Index < order[b].Index
	})
	return order[:k]
}

func (r *Reranker) ensureScorer() Scorer {
	r.initOnce.Do(func() {
		if r.scorerOverride != nil {
			r.scorer = r.scorerOverride
			return
		}
		scorer, err := newCrossEncoder(r.cfg)
		if err != nil {
			r.initErr = err
			r.logger.Warn("cross-encoder unavailable, reranker degraded to timestamp order", "model", r.cfg.Model, "error", err)
			return
		}
		r.scorer = scorer
		r.logger.Info("cross-encoder loaded", "model", r.cfg.Model)
	})
	return r.scorer
}

// recencyBoost is 1 + exp(-ageHours/HalfLifeHours). Zero timestamps
// (unparsable dates) get no boost.
func recencyBoost(ts time.Time, now time.Time) float64 {
	if ts.IsZero() {
		return 1.0
	}
	ageHours := now.Sub(ts).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return 1.0 + math.Exp(-ageHours/HalfLifeHours)
}

// truncateWords cuts s to at most n bytes on a word boundary.
func truncateWords(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for i := len(cut) - 1; i > 0; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			return cut[:i]
		}
	}
	return cut
}

// crossEncoder wraps a hugot text-classification pipeline. The single
// output logit is the query-document relevance.
type crossEncoder struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.Mutex
}

func newCrossEncoder(cfg Config) (*crossEncoder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("no cross-encoder model configured")
	}

	modelDir := cfg.ModelDir
	if modelDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		modelDir = filepath.Join(home, ".cache", "opsagent", "models")
	}
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}

	ortPath, err := locateORTLibrary(cfg.OrtLibraryPath)
	if err != nil {
		return nil, err
	}

	modelPath := filepath.Join(modelDir, filepath.Base(cfg.Model))
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		downloaded, err := hugot.DownloadModel(cfg.Model, modelDir, hugot.NewDownloadOptions())
		if err != nil {
			return nil, fmt.Errorf("download cross-encoder: %w", err)
		}
		modelPath = downloaded
	}

	sessionOpts := []options.WithOption{
		options.WithIntraOpNumThreads(runtime.NumCPU()),
		options.WithOnnxLibraryPath(ortPath),
	}

	session, err := hugot.NewORTSession(sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ORT session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "cross-encoder",
	})
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("create cross-encoder pipeline: %w", err)
	}

	return &crossEncoder{session: session, pipeline: pipeline}, nil
}

// Score runs the cross-encoder on "query [SEP] document" pairs. Raw
// logits are comparable within a single call only.
func (ce *crossEncoder) Score(query string, documents []string) ([]float64, error) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	inputs := make([]string, len(documents))
	for i, doc := range documents {
		inputs[i] = query + " [SEP] " + doc
	}

	output, err := ce.pipeline.RunPipeline(inputs)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder inference: %w", err)
	}

	scores := make([]float64, len(documents))
	for i, classifications := range output.ClassificationOutputs {
		if i >= len(scores) || len(classifications) == 0 {
			continue
		}
		scores[i] = float64(classifications[0].Score)
	}
	return scores, nil
}

func (ce *crossEncoder) Close() error {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if ce.session != nil {
		ce.session.Destroy()
		ce.session = nil
	}
	ce.pipeline = nil
	return nil
}
