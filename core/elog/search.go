package elog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psi-gfa/opsagent/core/rerank"
)

const (
	minFetchBudget = 20
	maxFetchBudget = 200

	// DefaultParallelReaders bounds the bulk-read fan-out.
	DefaultParallelReaders = 10
)

// SearchOptions are the caller-facing search parameters.
type SearchOptions struct {
	Query      string
	Since      string
	Until      string
	Category   string
	System     string
	Domain     string
	MaxResults int
}

// Aggregations counts returned hits per attribute value. Empty values
// count under "Unknown".
type Aggregations struct {
	ByCategory map[string]int `json:"by_category"`
	BySystem   map[string]int `json:"by_system"`
	ByDomain   map[string]int `json:"by_domain"`
}

// SearchResult is the response of one search call.
type SearchResult struct {
	TotalFound   int
	Hits         []Hit
	Aggregations Aggregations
}

// ThreadResult is the response of one thread call.
type ThreadResult struct {
	Messages      []Hit
	Root          *Hit
	TotalMessages int
}

// Reranker orders candidates against the query. Satisfied by
// *rerank.Reranker.
type Reranker interface {
	Rerank(query string, candidates []rerank.Candidate, k int) []rerank.Scored
}

// Service runs the retrieval pipeline: search, parallel read, date
// filter, clean, rerank, format.
type Service struct {
	client          *Client
	reranker        Reranker
	parallelReaders int
	logger          *slog.Logger
}

func NewService(client *Client, reranker Reranker, parallelReaders int, logger *slog.Logger) *Service {
	if parallelReaders < 1 {
		parallelReaders = DefaultParallelReaders
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:          client,
		reranker:        reranker,
		parallelReaders: parallelReaders,
		logger:          logger,
	}
}

// Search validates options, fetches an oversampled candidate set, and
// reranks down to MaxResults.
func (s *Service) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	if opts.MaxResults == 0 {
		opts.MaxResults = 10
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	regexMode := strings.Contains(opts.Query, ".*")
	s.logger.Info("elog search",
		"query", opts.Query,
		"category", opts.Category,
		"system", opts.System,
		"domain", opts.Domain,
		"since", opts.Since,
		"until", opts.Until,
		"max_results", opts.MaxResults,
		"regex", regexMode,
	)

	filters := map[string]string{
		"Category": opts.Category,
		"System":   opts.System,
		"Domain":   opts.Domain,
		"subtext":  opts.Query,
	}

	budget := fetchBudget(opts.MaxResults)
	ids, err := s.client.Search(ctx, filters, budget)
	if err != nil {
		return nil, err
	}
	totalFound := len(ids)

	entries := s.bulkRead(ctx, ids)

	if opts.Since != "" || opts.Until != "" {
		entries, err = filterByDateRange(entries, opts.Since, opts.Until)
		if err != nil {
			return nil, err
		}
	}

	hits := s.rankAndFormat(opts.Query, entries, opts.MaxResults)

	return &SearchResult{
		TotalFound:   totalFound,
		Hits:         hits,
		Aggregations: aggregate(hits),
	}, nil
}

func (o SearchOptions) validate() error {
	if o.Category != "" && !ValidCategory(o.Category) {
		return fmt.Errorf("invalid category %q, must be one of: %s", o.Category, strings.Join(Categories, ", "))
	}
	if o.System != "" && !ValidSystem(o.System) {
		return fmt.Errorf("invalid system %q, must be one of: %s", o.System, strings.Join(Systems, ", "))
	}
	if o.Domain != "" && !ValidDomain(o.Domain) {
		return fmt.Errorf("invalid domain %q, must be one of: %s", o.Domain, strings.Join(Domains, ", "))
	}
	if o.MaxResults < 1 || o.MaxResults > 100 {
		return fmt.Errorf("max_results must be between 1 and 100, got %d", o.MaxResults)
	}
	if o.Query == "" && o.Category == "" && o.System == "" && o.Domain == "" && o.Since == "" {
		return fmt.Errorf("must provide at least one of: query, category, system, domain, or since")
	}
	return nil
}

// fetchBudget oversamples so date filtering and reranking still have
// enough candidates.
func fetchBudget(maxResults int) int {
	budget := 3 * maxResults
	if budget < minFetchBudget {
		budget = minFetchBudget
	}
	if budget > maxFetchBudget {
		budget = maxFetchBudget
	}
	return budget
}

// bulkRead fans reads out over a fixed worker pool. Failed reads are
// dropped with a warning; ordering follows the input id order.
func (s *Service) bulkRead(ctx context.Context, ids []int) []*Entry {
	if len(ids) == 0 {
		return nil
	}

	results := make([]*Entry, len(ids))
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < s.parallelReaders; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				entry, err := s.client.Read(ctx, ids[idx])
				if err != nil {
					s.logger.Warn("dropping unreadable entry", "id", ids[idx], "error", err)
					continue
				}
				results[idx] = entry
			}
		}()
	}

feed:
	for idx := range ids {
		select {
		case work <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	out := make([]*Entry, 0, len(ids))
	for _, entry := range results {
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out
}

// rankAndFormat cleans bodies, reranks, and renders FormattedContext.
func (s *Service) rankAndFormat(query string, entries []*Entry, k int) []Hit {
	if len(entries) == 0 {
		return nil
	}

	cleaned := make([]string, len(entries))
	candidates := make([]rerank.Candidate, len(entries))
	for i, entry := range entries {
		cleaned[i] = capWords(CleanHTML(entry.Body), maxBodyWords)
		candidates[i] = rerank.Candidate{
			ID:        entry.ID,
			Title:     entry.Title,
			Body:      cleaned[i],
			Category:  entry.Category,
			Timestamp: entry.Timestamp,
		}
	}

	var ordered []rerank.Scored
	if s.reranker != nil {
		ordered = s.reranker.Rerank(query, candidates, k)
	} else {
		ordered = timestampOrder(candidates, k)
	}

	hits := make([]Hit, 0, len(ordered))
	for _, scored := range ordered {
		entry := entries[scored.Index]
		hits = append(hits, Hit{
			Entry:            entry,
			BodyClean:        cleaned[scored.Index],
			SemanticScore:    scored.SemanticScore,
			FinalScore:       scored.FinalScore,
			FormattedContext: FormatEntry(entry, cleaned[scored.Index]),
		})
	}
	return hits
}

func timestampOrder(candidates []rerank.Candidate, k int) []rerank.Scored {
	order := make([]rerank.Scored, len(candidates))
	for i := range candidates {
		order[i] = rerank.Scored{Index: i}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a].Index].Timestamp.After(candidates[order[b].Index].Timestamp)
	})
	if k < len(order) {
		order = order[:k]
	}
	return order
}

// filterByDateRange keeps entries whose timestamp falls in [since,
// until]. Until is extended to the end of its day so a bare date covers
// the whole day.
func filterByDateRange(entries []*Entry, since, until string) ([]*Entry, error) {
	sinceT := time.Time{}
	untilT := time.Time{}

	var err error
	if since != "" {
		sinceT, err = parseDateBound(since)
		if err != nil {
			return nil, fmt.Errorf("invalid since date %q: %w", since, err)
		}
	}
	if until != "" {
		untilT, err = parseDateBound(until)
		if err != nil {
			return nil, fmt.Errorf("invalid until date %q: %w", until, err)
		}
		if untilT.Hour() == 0 && untilT.Minute() == 0 && untilT.Second() == 0 {
			untilT = untilT.Add(24*time.Hour - time.Second)
		}
	}

	var out []*Entry
	for _, entry := range entries {
		ts := entry.Timestamp
		if ts.IsZero() {
			continue
		}
		if !sinceT.IsZero() && ts.Before(sinceT) {
			continue
		}
		if !untilT.IsZero() && ts.After(untilT) {
			continue
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.After(out[b].Timestamp)
	})
	return out, nil
}

func parseDateBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "T") {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t, nil
		}
		if t, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	// Server-native dotted form.
	if t, err := time.Parse("02.01.2006", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

func aggregate(hits []Hit) Aggregations {
	agg := Aggregations{
		ByCategory: make(map[string]int),
		BySystem:   make(map[string]int),
		ByDomain:   make(map[string]int),
	}
	for _, hit := range hits {
		agg.ByCategory[orDefault(hit.Entry.Category, "Unknown")]++
		agg.BySystem[orDefault(hit.Entry.System, "Unknown")]++
		agg.ByDomain[orDefault(hit.Entry.Domain, "Unknown")]++
	}
	return agg
}
