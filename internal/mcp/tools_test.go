package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/lumenic/factsheet/internal/extractor"
	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/schema"
	"github.com/lumenic/factsheet/internal/storage"
)

type fakeExtractor struct {
	candidates []extractor.Candidate
}

func (f *fakeExtractor) Extract(_ context.Context, _ extractor.Request) (extractor.Result, error) {
	return extractor.Result{Candidates: f.candidates}, nil
}

func newTestMCPServer(t *testing.T, fx *fakeExtractor) *Server {
	t.Helper()

	sch, err := schema.New(map[string]schema.Field{
		"name": schema.Nullable(schema.String()),
		"role": schema.Nullable(schema.String()),
	}, true)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	adapter := storage.NewMemoryAdapter(100, 50)

	var client extractor.Client
	if fx != nil {
		client = fx
	}

	orch := orchestrator.New(adapter, client, orchestrator.Config{}, logger)
	require.NoError(t, orch.RegisterSchema(sch, model.DefaultPolicy()))

	return New(orch, logger, "test")
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) map[string]any {
	t.Helper()
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcplib.CallToolResult
	var err error
	switch name {
	case "factsheet_observe":
		result, err = s.handleObserve(context.Background(), req)
	case "factsheet_patch":
		result, err = s.handlePatch(context.Background(), req)
	case "factsheet_get":
		result, err = s.handleGet(context.Background(), req)
	case "factsheet_history":
		result, err = s.handleHistory(context.Background(), req)
	case "factsheet_facts_for_prompt":
		result, err = s.handleFactsForPrompt(context.Background(), req)
	case "factsheet_filters":
		result, err = s.handleFilters(context.Background(), req)
	default:
		t.Fatalf("unknown tool %q", name)
	}
	require.NoError(t, err)
	require.NotNil(t, result)
	require.False(t, result.IsError, "tool returned error: %s", textOf(result))

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(textOf(result)), &out))
	return out
}

func textOf(result *mcplib.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestHandlePatchThenGet(t *testing.T) {
	s := newTestMCPServer(t, nil)

	out := callTool(t, s, "factsheet_patch", map[string]any{
		"subject": "user-1",
		"facts":   `{"name":"Ada"}`,
	})
	profile := out["profile"].(map[string]any)
	require.Equal(t, "Ada", profile["name"])

	out = callTool(t, s, "factsheet_get", map[string]any{"subject": "user-1"})
	require.True(t, out["found"].(bool))
	profile = out["profile"].(map[string]any)
	require.Equal(t, "Ada", profile["name"])
}

func TestHandlePatchRejectsEmptyFacts(t *testing.T) {
	s := newTestMCPServer(t, nil)
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"subject": "user-1", "facts": `{}`}

	result, err := s.handlePatch(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandlePatchRejectsInvalidJSON(t *testing.T) {
	s := newTestMCPServer(t, nil)
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"subject": "user-1", "facts": `not json`}

	result, err := s.handlePatch(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleGetUnknownSubject(t *testing.T) {
	s := newTestMCPServer(t, nil)
	out := callTool(t, s, "factsheet_get", map[string]any{"subject": "nobody"})
	require.False(t, out["found"].(bool))
}

func TestHandleObserveWithExtraction(t *testing.T) {
	fx := &fakeExtractor{candidates: []extractor.Candidate{{Field: "role", Value: "engineer", Confidence: 0.9}}}
	s := newTestMCPServer(t, fx)

	out := callTool(t, s, "factsheet_observe", map[string]any{
		"subject": "user-2",
		"input":   "I work as an engineer.",
	})
	profile := out["profile"].(map[string]any)
	require.Equal(t, "engineer", profile["role"])
}

func TestHandleObserveWithoutExtractorConfigured(t *testing.T) {
	s := newTestMCPServer(t, nil)
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"subject": "user-3", "input": "anything"}

	result, err := s.handleObserve(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleHistoryAfterPatch(t *testing.T) {
	s := newTestMCPServer(t, nil)
	callTool(t, s, "factsheet_patch", map[string]any{
		"subject": "user-4",
		"facts":   `{"name":"Linus"}`,
	})

	out := callTool(t, s, "factsheet_history", map[string]any{"subject": "user-4"})
	entries := out["entries"].([]any)
	require.NotEmpty(t, entries)
}

func TestHandleFactsForPromptAndFilters(t *testing.T) {
	s := newTestMCPServer(t, nil)
	callTool(t, s, "factsheet_patch", map[string]any{
		"subject": "user-5",
		"facts":   `{"name":"Margaret","role":"admiral"}`,
	})

	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"subject": "user-5", "select": "name"}
	result, err := s.handleFactsForPrompt(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, textOf(result), "Margaret")

	out := callTool(t, s, "factsheet_filters", map[string]any{"subject": "user-5", "select": "name,role"})
	filters := out["filters"].(map[string]any)
	require.Equal(t, "admiral", filters["role"])
}

func TestSplitCSV(t *testing.T) {
	require.Nil(t, splitCSV(""))
	require.Equal(t, []string{"a", "b"}, splitCSV("a,b"))
	require.Equal(t, []string{"a", "b"}, splitCSV(" a , b "))
	require.Equal(t, []string{"a"}, splitCSV("a,,"))
}
