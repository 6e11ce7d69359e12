package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/psi-gfa/opsagent/core/knowledge"
)

const (
	defaultKnowledgeLimit = 5
	defaultRelatedLimit   = 10
	defaultRelatedDepth   = 2
)

// KnowledgeRetriever is the slice of the knowledge retriever the tools
// need.
type KnowledgeRetriever interface {
	Search(ctx context.Context, query, accelerator, mode string, limit int) ([]knowledge.Result, error)
	Related(ctx context.Context, articleID string, maxDepth, limit int) ([]knowledge.RelatedArticle, error)
}

// KnowledgeServer serves the accelerator knowledge tools.
type KnowledgeServer struct {
	backend KnowledgeRetriever
}

// NewKnowledgeServer builds the tool handlers over backend.
func NewKnowledgeServer(backend KnowledgeRetriever) *KnowledgeServer {
	return &KnowledgeServer{backend: backend}
}

// MCPServer returns the MCP server with both knowledge tools registered.
func (s *KnowledgeServer) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("opsagent-wiki", Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	srv.AddTool(s.searchDefinition(), s.HandleSearch)
	srv.AddTool(s.relatedDefinition(), s.HandleRelated)
	return srv
}

func (s *KnowledgeServer) searchDefinition() mcp.Tool {
	return mcp.NewTool("search_accelerator_knowledge",
		mcp.WithDescription(
			"Search the PSI accelerator wiki for reference documentation: "+
				"machine physics, subsystem descriptions, and operating procedures.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search terms"),
		),
		mcp.WithString("accelerator",
			mcp.Description("Restrict to one facility"),
			mcp.Enum("hipa", "proscan", "sls", "swissfel", "all"),
		),
		mcp.WithString("retriever",
			mcp.Description("Retrieval mode (default hybrid)"),
			mcp.Enum("dense", "sparse", "hybrid"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum articles to return (default %d)", defaultKnowledgeLimit)),
		),
	)
}

// HandleSearch processes a search_accelerator_knowledge call.
func (s *KnowledgeServer) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return errResult(fmt.Errorf("'query' is required")), nil
	}

	results, err := s.backend.Search(ctx,
		query,
		req.GetString("accelerator", "all"),
		req.GetString("retriever", "hybrid"),
		intArg(req, "limit", defaultKnowledgeLimit),
	)
	if err != nil {
		return errResult(fmt.Errorf("knowledge search failed: %w", err)), nil
	}

	articles := make([]map[string]any, 0, len(results))
	for i := range results {
		payload := articlePayload(&results[i].Article)
		payload["score"] = results[i].Score
		payload["content"] = results[i].FormattedContext
		articles = append(articles, payload)
	}

	return okResult(map[string]any{
		"total_found": len(articles),
		"articles":    articles,
	}), nil
}

func (s *KnowledgeServer) relatedDefinition() mcp.Tool {
	return mcp.NewTool("get_related_content",
		mcp.WithDescription(
			"Walk the wiki link graph from one article and return the "+
				"articles it links to, nearest first.",
		),
		mcp.WithString("article_id",
			mcp.Required(),
			mcp.Description("Article id to start from"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description(fmt.Sprintf("Link hops to follow (default %d)", defaultRelatedDepth)),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum articles to return (default %d)", defaultRelatedLimit)),
		),
	)
}

// HandleRelated processes a get_related_content call.
func (s *KnowledgeServer) HandleRelated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	articleID := req.GetString("article_id", "")
	if articleID == "" {
		return errResult(fmt.Errorf("'article_id' is required")), nil
	}

	related, err := s.backend.Related(ctx,
		articleID,
		intArg(req, "max_depth", defaultRelatedDepth),
		intArg(req, "limit", defaultRelatedLimit),
	)
	if err != nil {
		return errResult(fmt.Errorf("related lookup failed: %w", err)), nil
	}

	articles := make([]map[string]any, 0, len(related))
	for i := range related {
		payload := articlePayload(&related[i].Article)
		payload["depth"] = related[i].Depth
		articles = append(articles, payload)
	}

	return okResult(map[string]any{
		"total_found": len(articles),
		"articles":    articles,
	}), nil
}

func articlePayload(a *knowledge.Article) map[string]any {
	payload := map[string]any{
		"id":          a.ID,
		"title":       a.Title,
		"accelerator": a.Accelerator,
		"url":         a.URL,
	}
	if !a.UpdatedAt.IsZero() {
		payload["updated_at"] = a.UpdatedAt.Format(time.RFC3339)
	}
	return payload
}
