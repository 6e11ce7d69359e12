package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psi-gfa/opsagent/core/database"
	"github.com/psi-gfa/opsagent/core/storage"
)

// fakeEmbedder returns canned vectors keyed by exact text.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (f *fakeEmbedder) Close() error { return nil }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mgr := database.NewManager(&storage.Dirs{Data: t.TempDir()})
	t.Cleanup(func() { mgr.CloseAll() })

	pool, err := mgr.Open("kb", database.DefaultPoolConfig())
	require.NoError(t, err)

	store, err := NewStore(context.Background(), pool)
	require.NoError(t, err)
	return store
}

func newTestRetriever(t *testing.T, store *Store, embedder Embedder) *Retriever {
	t.Helper()
	sparse, err := newMemSparseIndex()
	require.NoError(t, err)
	t.Cleanup(func() { sparse.Close() })
	return NewRetriever(store, embedder, sparse, slog.Default())
}

func putArticle(t *testing.T, r *Retriever, article Article, embedding []float32, links []string) {
	t.Helper()
	require.NoError(t, r.store.Put(context.Background(), article, embedding, links))
	require.NoError(t, r.sparse.Index(article))
}

func TestEscapeQuery(t *testing.T) {
	assert.Equal(t, "beam current", escapeQuery(`beam+current`))
	assert.Equal(t, "rf cavity trip", escapeQuery(`rf:cavity AND (trip)`))
	assert.Equal(t, "AND", escapeQuery(`AND`))
	assert.Equal(t, "", escapeQuery(`+-&|!(){}[]^"~*?:\/`))
	assert.Equal(t, "a b", escapeQuery("  a   b  "))
}

func TestNormalizeRetriever(t *testing.T) {
	for input, want := range map[string]string{
		"":       "hybrid",
		"hybrid": "hybrid",
		"both":   "hybrid",
		"dense":  "dense",
		"sparse": "sparse",
	} {
		got, err := NormalizeRetriever(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := NormalizeRetriever("cosine")
	assert.Error(t, err)
}

func TestNormalizeAccelerator(t *testing.T) {
	for _, input := range []string{"", "all", "null", "None"} {
		got, err := NormalizeAccelerator(input)
		require.NoError(t, err, input)
		assert.Equal(t, "", got, input)
	}

	got, err := NormalizeAccelerator("hipa")
	require.NoError(t, err)
	assert.Equal(t, "hipa", got)

	_, err = NormalizeAccelerator("lhc")
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	article := Article{
		ID:          "hipa-buncher",
		Title:       "MXZ3 Buncher",
		Content:     "Operating limits for the 506 MHz buncher.",
		Accelerator: "hipa",
		URL:         "https://wiki.example/hipa-buncher",
		UpdatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, article, []float32{0.25, -1.5, 3}, []string{"hipa-optics", "hipa-rf"}))

	got, err := store.Get(ctx, "hipa-buncher")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(article.UpdatedAt))
	got.UpdatedAt = article.UpdatedAt
	assert.Equal(t, article, got)

	links, err := store.Links(ctx, "hipa-buncher")
	require.NoError(t, err)
	assert.Equal(t, []string{"hipa-optics", "hipa-rf"}, links)

	rows, err := store.Embeddings(ctx, "hipa")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []float32{0.25, -1.5, 3}, rows[0].Vector)

	rows, err = store.Embeddings(ctx, "sls")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrArticleNotFound)
}

func TestStorePutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	article := Article{ID: "a", Title: "v1", Content: "x", UpdatedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, store.Put(ctx, article, nil, []string{"b"}))

	article.Title = "v2"
	require.NoError(t, store.Put(ctx, article, nil, []string{"c"}))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)

	links, err := store.Links(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, links)
}

func TestDenseSearchThresholdAndOrder(t *testing.T) {
	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"beam loss": {1, 0},
	}}
	r := newTestRetriever(t, store, embedder)

	now := time.Now().UTC().Truncate(time.Second)
	putArticle(t, r, Article{ID: "exact", Title: "Exact", Content: "c", Accelerator: "hipa", UpdatedAt: now}, []float32{1, 0}, nil)
	putArticle(t, r, Article{ID: "close", Title: "Close", Content: "c", Accelerator: "hipa", UpdatedAt: now}, []float32{0.8, 0.6}, nil)
	putArticle(t, r, Article{ID: "far", Title: "Far", Content: "c", Accelerator: "hipa", UpdatedAt: now}, []float32{0, 1}, nil)

	results, err := r.Search(context.Background(), "beam loss", "hipa", "dense", 10)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Article.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "close", results[1].Article.ID)
	assert.InDelta(t, 0.8, results[1].Score, 1e-6)
}

func TestDenseSearchAcceleratorFilter(t *testing.T) {
	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := newTestRetriever(t, store, embedder)

	now := time.Now().UTC().Truncate(time.Second)
	putArticle(t, r, Article{ID: "h", Title: "H", Content: "c", Accelerator: "hipa", UpdatedAt: now}, []float32{1, 0}, nil)
	putArticle(t, r, Article{ID: "s", Title: "S", Content: "c", Accelerator: "sls", UpdatedAt: now}, []float32{1, 0}, nil)

	results, err := r.Search(context.Background(), "q", "sls", "dense", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s", results[0].Article.ID)

	results, err = r.Search(context.Background(), "q", "all", "dense", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestQueryEmbeddingCached(t *testing.T) {
	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := newTestRetriever(t, store, embedder)

	_, err := r.Search(context.Background(), "q", "", "dense", 5)
	require.NoError(t, err)
	_, err = r.Search(context.Background(), "q", "", "dense", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, embedder.calls)
}

func TestHybridFusionPrefersAgreement(t *testing.T) {
	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"klystron interlock": {1, 0},
	}}
	r := newTestRetriever(t, store, embedder)

	now := time.Now().UTC().Truncate(time.Second)
	// "both" matches the query text and carries a strong vector, so it
	// appears in both rankings and must fuse above single-list hits.
	putArticle(t, r, Article{
		ID: "both", Title: "Klystron interlock chain", Content: "klystron interlock reset",
		Accelerator: "hipa", UpdatedAt: now,
	}, []float32{0.95, 0.31}, nil)
	putArticle(t, r, Article{
		ID: "dense-only", Title: "Modulator faults", Content: "modulator fault catalogue",
		Accelerator: "hipa", UpdatedAt: now,
	}, []float32{1, 0}, nil)
	putArticle(t, r, Article{
		ID: "sparse-only", Title: "Interlock klystron history", Content: "klystron interlock klystron",
		Accelerator: "hipa", UpdatedAt: now,
	}, []float32{0, 1}, nil)

	results, err := r.Search(context.Background(), "klystron interlock", "", "hybrid", 10)
	require.NoError(t, err)

	require.NotEmpty(t, results)
	assert.Equal(t, "both", results[0].Article.ID)

	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.Article.ID)
	}
	assert.Contains(t, ids, "dense-only")
	assert.Contains(t, ids, "sparse-only")
}

func TestSearchModeBothAliasesHybrid(t *testing.T) {
	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := newTestRetriever(t, store, embedder)

	now := time.Now().UTC().Truncate(time.Second)
	putArticle(t, r, Article{ID: "a", Title: "q stuff", Content: "q", UpdatedAt: now}, []float32{1, 0}, nil)

	results, err := r.Search(context.Background(), "q", "", "both", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSearchRejectsInvalidInputs(t *testing.T) {
	store := newTestStore(t)
	r := newTestRetriever(t, store, &fakeEmbedder{})

	_, err := r.Search(context.Background(), "q", "", "cosine", 5)
	assert.Error(t, err)

	_, err = r.Search(context.Background(), "q", "desy", "dense", 5)
	assert.Error(t, err)
}

func TestRelatedBFS(t *testing.T) {
	store := newTestStore(t)
	r := newTestRetriever(t, store, &fakeEmbedder{})
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	// a -> b -> c -> d plus a cycle d -> a.
	require.NoError(t, store.Put(ctx, Article{ID: "a", Title: "A", Content: "x", UpdatedAt: now}, nil, []string{"b"}))
	require.NoError(t, store.Put(ctx, Article{ID: "b", Title: "B", Content: "x", UpdatedAt: now}, nil, []string{"c"}))
	require.NoError(t, store.Put(ctx, Article{ID: "c", Title: "C", Content: "x", UpdatedAt: now}, nil, []string{"d"}))
	require.NoError(t, store.Put(ctx, Article{ID: "d", Title: "D", Content: "x", UpdatedAt: now}, nil, []string{"a"}))

	// Default depth 2 reaches b and c only.
	related, err := r.Related(ctx, "a", 0, 0)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, "b", related[0].Article.ID)
	assert.Equal(t, 1, related[0].Depth)
	assert.Equal(t, "c", related[1].Article.ID)
	assert.Equal(t, 2, related[1].Depth)

	// Deep enough to close the cycle without revisiting a.
	related, err = r.Related(ctx, "a", 5, 20)
	require.NoError(t, err)
	assert.Len(t, related, 3)

	// Depth above the cap clamps to 5.
	related, err = r.Related(ctx, "a", 99, 20)
	require.NoError(t, err)
	assert.Len(t, related, 3)

	// Limit cuts the walk short.
	related, err = r.Related(ctx, "a", 5, 1)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "b", related[0].Article.ID)
}

func TestRelatedUnknownArticle(t *testing.T) {
	store := newTestStore(t)
	r := newTestRetriever(t, store, &fakeEmbedder{})

	_, err := r.Related(context.Background(), "ghost", 2, 5)
	assert.ErrorIs(t, err, ErrArticleNotFound)
}

func TestRelatedSkipsDanglingLinks(t *testing.T) {
	store := newTestStore(t)
	r := newTestRetriever(t, store, &fakeEmbedder{})
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Put(ctx, Article{ID: "a", Title: "A", Content: "x", UpdatedAt: now}, nil, []string{"missing", "b"}))
	require.NoError(t, store.Put(ctx, Article{ID: "b", Title: "B", Content: "x", UpdatedAt: now}, nil, nil))

	related, err := r.Related(ctx, "a", 2, 5)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "b", related[0].Article.ID)
}

func TestFormatResult(t *testing.T) {
	result := Result{
		Article: Article{
			ID:          "hipa-buncher",
			Title:       "MXZ3 Buncher",
			Content:     "Operating limits.",
			Accelerator: "hipa",
			URL:         "https://wiki.example/hipa-buncher",
		},
		Score: 0.91234,
	}

	got := FormatResult(result)
	assert.Contains(t, got, "### MXZ3 Buncher\n")
	assert.Contains(t, got, "**URL:** https://wiki.example/hipa-buncher\n")
	assert.Contains(t, got, "**Accelerator:** hipa\n")
	assert.Contains(t, got, "**Relevance:** 0.912\n")
	assert.Contains(t, got, "**Article ID:** hipa-buncher\n")
	assert.Contains(t, got, "**Content:**\nOperating limits.\n")
}

func TestExcerptCapsWords(t *testing.T) {
	long := ""
	for i := 0; i < maxContentWords+50; i++ {
		long += fmt.Sprintf("w%d ", i)
	}

	got := excerpt(long, maxContentWords)
	assert.True(t, len(got) < len(long))
	assert.Contains(t, got, "...")
	assert.Equal(t, "short text", excerpt("short text", maxContentWords))
}

func TestIngestDirectory(t *testing.T) {
	dir := t.TempDir()

	yamlArticle := `
id: hipa-optics
title: Production optics
content: Optics measurements above 2.2 mA.
accelerator: hipa
url: https://wiki.example/hipa-optics
links:
  - hipa-buncher
`
	jsonArticle := `{
  "id": "sls-frontend",
  "title": "SLS front end",
  "content": "Front end interlocks.",
  "accelerator": "sls",
  "url": "https://wiki.example/sls-frontend"
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "optics.yaml"), []byte(yamlArticle), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frontend.json"), []byte(jsonArticle), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	store := newTestStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Production optics\nOptics measurements above 2.2 mA.": {1, 0},
		"SLS front end\nFront end interlocks.":                 {0, 1},
	}}
	r := newTestRetriever(t, store, embedder)

	count, err := r.Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	article, err := store.Get(context.Background(), "hipa-optics")
	require.NoError(t, err)
	assert.Equal(t, "Production optics", article.Title)

	links, err := store.Links(context.Background(), "hipa-optics")
	require.NoError(t, err)
	assert.Equal(t, []string{"hipa-buncher"}, links)

	results, err := r.Search(context.Background(), "interlocks", "sls", "sparse", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "sls-frontend", results[0].Article.ID)
}

func TestIngestRejectsBadArticle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("title: no id"), 0644))

	store := newTestStore(t)
	r := newTestRetriever(t, store, &fakeEmbedder{})

	_, err := r.Ingest(context.Background(), dir)
	assert.Error(t, err)
}

func TestVectorEncodeDecode(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 3.14159}
	decoded, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
