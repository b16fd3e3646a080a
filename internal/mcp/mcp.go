// Package mcp implements the Model Context Protocol server for the fact
// sheet engine.
//
// It exposes the same six operations as the HTTP API — observe, patch, get,
// history, facts-for-prompt, and filters — as MCP tools, plus a read-only
// resource template and a pair of workflow prompts, so MCP-compatible
// agents can maintain subject profiles without speaking the HTTP surface
// directly. It is mounted into the HTTP server's mux at /mcp using the
// StreamableHTTP transport and sits behind the same auth/logging/recovery
// middleware chain as every other route — it has no authentication or
// claims handling of its own.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/lumenic/factsheet/internal/orchestrator"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake so connected agents know the tool set without per-project
// configuration.
const serverInstructions = `You have access to a live profile engine that keeps a structured fact
sheet per subject (a user, account, or conversation participant).

TOOLS:
- factsheet_observe: feed it raw conversation text; it extracts candidate
  facts and merges them into the subject's profile under deterministic
  conflict rules (higher source priority wins; at equal priority, the
  more recent value wins).
- factsheet_patch: write facts directly when you already know them with
  certainty — no extraction step, still subject to the merge rules except
  the recency-window rule.
- factsheet_get: read a subject's current profile.
- factsheet_history: see how a field's value changed over time and why.
- factsheet_facts_for_prompt: render a subject's facts as compact text
  suitable for dropping into a system or context prompt.
- factsheet_filters: get a flat field->value map suitable for structured
  filtering or routing logic.

WORKFLOW: call factsheet_observe as a conversation unfolds to keep the
profile current; call factsheet_get or factsheet_facts_for_prompt before
responding to a subject so your answer reflects what's already known.
Facts that fail validation or lose to a better-provenance write come back
in "rejected" with a reason — this is normal, not an error.`

// Server wraps the MCP server with the orchestrator that backs every tool.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	orch       *orchestrator.Orchestrator
	logger     *slog.Logger
	rootsCache *rootsCache // caches MCP roots per session (one request per session)
}

// New creates and configures a new MCP server with all resources, tools,
// and prompts wired to the given orchestrator.
func New(orch *orchestrator.Orchestrator, logger *slog.Logger, version string) *Server {
	s := &Server{
		orch:       orch,
		logger:     logger,
		rootsCache: newRootsCache(),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"factsheet",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRoots(),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
