package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/viterin/vek/vek32"
)

const (
	// similarityThreshold drops dense matches below this cosine score.
	similarityThreshold = 0.7

	// oversampleFactor widens dense and sparse candidate sets before
	// fusion and thresholding.
	oversampleFactor = 3

	// rrfK dampens rank contributions in reciprocal rank fusion.
	rrfK = 50

	defaultLimit = 5
	maxLimit     = 20
)

// accelerators are the recognized facility filters.
var accelerators = map[string]bool{
	"hipa":     true,
	"proscan":  true,
	"sls":      true,
	"swissfel": true,
}

// NormalizeRetriever maps the requested retrieval mode onto one of
// dense, sparse, or hybrid. "both" is a legacy alias for hybrid, the
// empty string selects the default.
func NormalizeRetriever(mode string) (string, error) {
	switch mode {
	case "", "hybrid", "both":
		return "hybrid", nil
	case "dense", "sparse":
		return mode, nil
	default:
		return "", fmt.Errorf("invalid retriever %q: want dense, sparse, hybrid, or both", mode)
	}
}

// NormalizeAccelerator maps the facility filter onto a store value.
// "all" and null-ish spellings mean no filter.
func NormalizeAccelerator(acc string) (string, error) {
	switch acc {
	case "", "all", "null", "None":
		return "", nil
	}
	if !accelerators[acc] {
		return "", fmt.Errorf("invalid accelerator %q: want hipa, proscan, sls, swissfel, or all", acc)
	}
	return acc, nil
}

// Result is one retrieved article with its relevance score and an
// LLM-ready markdown rendering.
type Result struct {
	Article          Article
	Score            float64
	FormattedContext string
}

// Retriever answers knowledge queries over the local store.
type Retriever struct {
	store    *Store
	embedder Embedder
	sparse   *SparseIndex
	logger   *slog.Logger
}

func NewRetriever(store *Store, embedder Embedder, sparse *SparseIndex, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		embedder: newCachingEmbedder(embedder),
		sparse:   sparse,
		logger:   logger,
	}
}

// Search runs the requested retrieval mode and returns up to limit
// formatted results, best first.
func (r *Retriever) Search(ctx context.Context, query, accelerator, mode string, limit int) ([]Result, error) {
	mode, err := NormalizeRetriever(mode)
	if err != nil {
		return nil, err
	}
	accelerator, err = NormalizeAccelerator(accelerator)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var ranked []scoredID
	switch mode {
	case "dense":
		ranked, err = r.denseSearch(ctx, query, accelerator, limit)
	case "sparse":
		ranked, err = r.sparseSearch(ctx, query, accelerator, limit)
	case "hybrid":
		ranked, err = r.hybridSearch(ctx, query, accelerator, limit)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug("knowledge search complete",
		"retriever", mode, "accelerator", accelerator, "hits", len(ranked))

	return r.materialize(ctx, ranked, limit)
}

type scoredID struct {
	ArticleID string
	Score     float64
}

// denseSearch embeds the query and scores every stored vector by
// cosine similarity, keeping matches above the threshold.
func (r *Retriever) denseSearch(ctx context.Context, query, accelerator string, limit int) ([]scoredID, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := r.store.Embeddings(ctx, accelerator)
	if err != nil {
		return nil, err
	}

	ranked := make([]scoredID, 0, len(rows))
	for _, row := range rows {
		score := cosineSimilarity(queryVec, row.Vector)
		if score < similarityThreshold {
			continue
		}
		ranked = append(ranked, scoredID{ArticleID: row.ArticleID, Score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if budget := limit * oversampleFactor; len(ranked) > budget {
		ranked = ranked[:budget]
	}
	return ranked, nil
}

func (r *Retriever) sparseSearch(ctx context.Context, query, accelerator string, limit int) ([]scoredID, error) {
	hits, err := r.sparse.Search(ctx, query, accelerator, limit*oversampleFactor)
	if err != nil {
		return nil, err
	}

	ranked := make([]scoredID, 0, len(hits))
	for _, hit := range hits {
		ranked = append(ranked, scoredID{ArticleID: hit.ArticleID, Score: hit.Score})
	}
	return ranked, nil
}

// hybridSearch fuses dense and sparse rankings with reciprocal rank
// fusion: each list contributes 1/(k+rank) per article.
func (r *Retriever) hybridSearch(ctx context.Context, query, accelerator string, limit int) ([]scoredID, error) {
	dense, err := r.denseSearch(ctx, query, accelerator, limit)
	if err != nil {
		return nil, err
	}
	sparse, err := r.sparseSearch(ctx, query, accelerator, limit)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]float64)
	for rank, hit := range dense {
		fused[hit.ArticleID] += 1.0 / float64(rrfK+rank+1)
	}
	for rank, hit := range sparse {
		fused[hit.ArticleID] += 1.0 / float64(rrfK+rank+1)
	}

	ranked := make([]scoredID, 0, len(fused))
	for id, score := range fused {
		ranked = append(ranked, scoredID{ArticleID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ArticleID < ranked[j].ArticleID
	})
	return ranked, nil
}

// materialize loads the top articles and renders their context blocks.
// Articles deleted since indexing are skipped.
func (r *Retriever) materialize(ctx context.Context, ranked []scoredID, limit int) ([]Result, error) {
	results := make([]Result, 0, limit)
	for _, hit := range ranked {
		if len(results) >= limit {
			break
		}
		article, err := r.store.Get(ctx, hit.ArticleID)
		if err != nil {
			r.logger.Warn("indexed article missing from store", "article", hit.ArticleID, "error", err)
			continue
		}
		result := Result{Article: article, Score: hit.Score}
		result.FormattedContext = FormatResult(result)
		results = append(results, result)
	}
	return results, nil
}

// cosineSimilarity compares two vectors, tolerating zero or mismatched
// lengths by scoring them 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	normA := math.Sqrt(float64(vek32.Dot(a, a)))
	normB := math.Sqrt(float64(vek32.Dot(b, b)))
	if normA == 0 || normB == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b)) / (normA * normB)
}

// Close releases the embedder and sparse index.
func (r *Retriever) Close() error {
	err := r.embedder.Close()
	if cerr := r.sparse.Close(); err == nil {
		err = cerr
	}
	return err
}
