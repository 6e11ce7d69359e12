package knowledge

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// luceneSpecialRe matches query-syntax characters the full-text engine
// would otherwise interpret.
var luceneSpecialRe = regexp.MustCompile(`[+\-&|!(){}\[\]^"~*?:\\/]`)

// escapeQuery neutralizes special characters and collapses whitespace.
func escapeQuery(q string) string {
	escaped := luceneSpecialRe.ReplaceAllString(q, " ")
	return strings.Join(strings.Fields(escaped), " ")
}

// SparseHit is one full-text match.
type SparseHit struct {
	ArticleID string
	Score     float64
}

// bleveIndex narrows the bleve surface so tests can stub it.
type bleveIndex interface {
	Index(id string, data interface{}) error
	Delete(id string) error
	Search(req *bleve.SearchRequest) (*bleve.SearchResult, error)
	Close() error
}

// SparseIndex is a BM25-style full-text index over title and content
// with an accelerator term field for filtering.
type SparseIndex struct {
	index bleveIndex
}

// sparseDocument is the shape indexed per article.
type sparseDocument struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Accelerator string `json:"accelerator"`
}

// OpenSparseIndex opens the index at path, creating it when absent.
func OpenSparseIndex(path string) (*SparseIndex, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		mapping := bleve.NewIndexMapping()
		idx, err := bleve.New(path, mapping)
		if err != nil {
			return nil, fmt.Errorf("create sparse index: %w", err)
		}
		return &SparseIndex{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sparse index: %w", err)
	}
	return &SparseIndex{index: idx}, nil
}

// newMemSparseIndex keeps everything in memory, for tests.
func newMemSparseIndex() (*SparseIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &SparseIndex{index: idx}, nil
}

func (s *SparseIndex) Index(article Article) error {
	doc := sparseDocument{
		Title:       article.Title,
		Content:     article.Content,
		Accelerator: article.Accelerator,
	}
	if err := s.index.Index(article.ID, doc); err != nil {
		return fmt.Errorf("index article %s: %w", article.ID, err)
	}
	return nil
}

func (s *SparseIndex) Delete(articleID string) error {
	return s.index.Delete(articleID)
}

// Search runs a match query over the indexed text, optionally filtered
// to one accelerator.
func (s *SparseIndex) Search(ctx context.Context, rawQuery, accelerator string, limit int) ([]SparseHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	escaped := escapeQuery(rawQuery)
	if escaped == "" {
		return nil, nil
	}

	var q query.Query = bleve.NewMatchQuery(escaped)
	if accelerator != "" {
		term := bleve.NewTermQuery(accelerator)
		term.SetField("accelerator")
		boolQuery := bleve.NewBooleanQuery()
		boolQuery.AddMust(q, term)
		q = boolQuery
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	result, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}

	hits := make([]SparseHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, SparseHit{ArticleID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

func (s *SparseIndex) Close() error {
	return s.index.Close()
}
