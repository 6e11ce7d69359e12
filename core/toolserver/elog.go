package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/psi-gfa/opsagent/core/elog"
)

const defaultSearchResults = 10

// ELOGSearcher is the slice of the logbook service the tools need.
type ELOGSearcher interface {
	Search(ctx context.Context, opts elog.SearchOptions) (*elog.SearchResult, error)
	Thread(ctx context.Context, id int, includeReplies, includeParents bool) (*elog.ThreadResult, error)
}

// ELOGServer serves the logbook search and thread tools.
type ELOGServer struct {
	backend ELOGSearcher
}

// NewELOGServer builds the tool handlers over backend.
func NewELOGServer(backend ELOGSearcher) *ELOGServer {
	return &ELOGServer{backend: backend}
}

// MCPServer returns the MCP server with both logbook tools registered.
func (s *ELOGServer) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("opsagent-elog", Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	srv.AddTool(s.searchDefinition(), s.HandleSearch)
	srv.AddTool(s.threadDefinition(), s.HandleThread)
	return srv
}

func (s *ELOGServer) searchDefinition() mcp.Tool {
	return mcp.NewTool("search_elog",
		mcp.WithDescription(
			"Search the PSI electronic logbook for operational entries: faults, "+
				"interventions, beam status, and shift notes across all facilities.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search terms, e.g. machine names, fault symptoms, or device identifiers"),
		),
		mcp.WithString("since",
			mcp.Description("Only entries on or after this date, ISO format (2024-01-31)"),
		),
		mcp.WithString("until",
			mcp.Description("Only entries on or before this date, ISO format"),
		),
		mcp.WithString("category",
			mcp.Description("Filter by logbook category, e.g. Problem, Info, Measurement"),
		),
		mcp.WithString("system",
			mcp.Description("Filter by technical system, e.g. RF, Magnets, Vacuum, Controls"),
		),
		mcp.WithString("domain",
			mcp.Description("Filter by machine domain, e.g. HIPA, PROSCAN, SLS, SwissFEL"),
		),
		mcp.WithNumber("max_results",
			mcp.Description(fmt.Sprintf("Maximum hits to return (default %d)", defaultSearchResults)),
		),
	)
}

// HandleSearch processes a search_elog call.
func (s *ELOGServer) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return errResult(fmt.Errorf("'query' is required")), nil
	}

	result, err := s.backend.Search(ctx, elog.SearchOptions{
		Query:      query,
		Since:      req.GetString("since", ""),
		Until:      req.GetString("until", ""),
		Category:   req.GetString("category", ""),
		System:     req.GetString("system", ""),
		Domain:     req.GetString("domain", ""),
		MaxResults: intArg(req, "max_results", defaultSearchResults),
	})
	if err != nil {
		return errResult(fmt.Errorf("logbook search failed: %w", err)), nil
	}

	hits := make([]map[string]any, 0, len(result.Hits))
	for i := range result.Hits {
		hits = append(hits, hitPayload(&result.Hits[i]))
	}

	return okResult(map[string]any{
		"total_found": result.TotalFound,
		"hits":        hits,
		"aggregations": map[string]any{
			"by_category": result.Aggregations.ByCategory,
			"by_system":   result.Aggregations.BySystem,
			"by_domain":   result.Aggregations.ByDomain,
		},
	}), nil
}

func (s *ELOGServer) threadDefinition() mcp.Tool {
	return mcp.NewTool("get_elog_thread",
		mcp.WithDescription(
			"Fetch a logbook entry together with its conversation thread: "+
				"the entries it replies to and the replies it received.",
		),
		mcp.WithNumber("message_id",
			mcp.Required(),
			mcp.Description("Logbook entry id"),
		),
		mcp.WithBoolean("include_replies",
			mcp.Description("Include replies to the entry (default true)"),
		),
		mcp.WithBoolean("include_parents",
			mcp.Description("Include the ancestor chain the entry replies to (default true)"),
		),
	)
}

// HandleThread processes a get_elog_thread call.
func (s *ELOGServer) HandleThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := intArg(req, "message_id", 0)
	if id <= 0 {
		return errResult(fmt.Errorf("'message_id' is required and must be a positive integer")), nil
	}

	result, err := s.backend.Thread(ctx, id,
		boolArg(req, "include_replies", true),
		boolArg(req, "include_parents", true),
	)
	if err != nil {
		return errResult(fmt.Errorf("thread lookup failed: %w", err)), nil
	}

	messages := make([]map[string]any, 0, len(result.Messages))
	for i := range result.Messages {
		messages = append(messages, hitPayload(&result.Messages[i]))
	}

	payload := map[string]any{
		"total_messages": result.TotalMessages,
		"messages":       messages,
	}
	if result.Root != nil {
		payload["root"] = hitPayload(result.Root)
	}
	return okResult(payload), nil
}

// hitPayload flattens a hit into the JSON shape tool callers consume.
func hitPayload(h *elog.Hit) map[string]any {
	e := h.Entry
	payload := map[string]any{
		"id":       e.ID,
		"title":    e.Title,
		"author":   e.Author,
		"category": e.Category,
		"system":   e.System,
		"domain":   e.Domain,
		"date":     e.RawDate,
		"body":     h.BodyClean,
		"url":      e.URL,
	}
	if e.Effect != "" {
		payload["effect"] = e.Effect
	}
	if !e.Timestamp.IsZero() {
		payload["timestamp"] = e.Timestamp.Format(time.RFC3339)
	}
	if len(e.Attachments) > 0 {
		payload["attachments"] = e.Attachments
	}
	if h.FinalScore != 0 {
		payload["final_score"] = h.FinalScore
	}
	return payload
}
