// Package toolserver exposes the logbook and knowledge backends as MCP
// tool servers. Each server registers its tools on an MCP server and
// serves them over SSE so the transport layer can discover and call
// them like any other tool server.
//
// Tool results are JSON text, enveloped as {"ok": true, "data": ...}
// on success and {"ok": false, "error": "..."} on failure, so callers
// get a uniform shape regardless of which tool ran.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

const shutdownGrace = 5 * time.Second

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// okResult wraps data in a success envelope.
func okResult(data any) *mcp.CallToolResult {
	payload, err := json.Marshal(envelope{OK: true, Data: data})
	if err != nil {
		return errResult(fmt.Errorf("encode result: %w", err))
	}
	return mcp.NewToolResultText(string(payload))
}

// errResult wraps err in a failure envelope. The envelope is still a
// successful tool result; protocol errors are reserved for transport
// failures.
func errResult(err error) *mcp.CallToolResult {
	payload, _ := json.Marshal(envelope{OK: false, Error: err.Error()})
	return mcp.NewToolResultText(string(payload))
}

// intArg extracts an integer argument, returning defaultVal when the
// key is missing or not a number (JSON numbers decode as float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// Serve runs s over SSE on addr until ctx is canceled.
func Serve(ctx context.Context, s *server.MCPServer, addr string) error {
	sse := server.NewSSEServer(s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sse.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return sse.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
