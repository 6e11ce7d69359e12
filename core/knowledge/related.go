package knowledge

import (
	"context"
	"fmt"
)

const (
	defaultRelatedDepth = 2
	maxRelatedDepth     = 5
	defaultRelatedLimit = 5
	maxRelatedLimit     = 20
)

// RelatedArticle is one article reached by following links, tagged
// with how many hops away it sits.
type RelatedArticle struct {
	Article Article
	Depth   int
}

// Related walks the link graph breadth-first from articleID and
// returns up to limit articles within maxDepth hops, nearest first.
func (r *Retriever) Related(ctx context.Context, articleID string, maxDepth, limit int) ([]RelatedArticle, error) {
	if maxDepth <= 0 {
		maxDepth = defaultRelatedDepth
	}
	if maxDepth > maxRelatedDepth {
		maxDepth = maxRelatedDepth
	}
	if limit <= 0 {
		limit = defaultRelatedLimit
	}
	if limit > maxRelatedLimit {
		limit = maxRelatedLimit
	}

	if _, err := r.store.Get(ctx, articleID); err != nil {
		return nil, fmt.Errorf("related content: %w", err)
	}

	type frontier struct {
		id    string
		depth int
	}

	visited := map[string]bool{articleID: true}
	queue := []frontier{{id: articleID, depth: 0}}
	var results []RelatedArticle

	for len(queue) > 0 && len(results) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		links, err := r.store.Links(ctx, current.id)
		if err != nil {
			return nil, err
		}

		for _, next := range links {
			if visited[next] {
				continue
			}
			visited[next] = true

			article, err := r.store.Get(ctx, next)
			if err != nil {
				// Dangling link, skip it.
				r.logger.Warn("link target missing", "from", current.id, "to", next)
				continue
			}

			results = append(results, RelatedArticle{Article: article, Depth: current.depth + 1})
			if len(results) >= limit {
				break
			}
			queue = append(queue, frontier{id: next, depth: current.depth + 1})
		}
	}
	return results, nil
}
