package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func TestHandleGroundResponsePrompt(t *testing.T) {
	s := newTestMCPServer(t, nil)

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"subject": "user-1"}
	result, err := s.handleGroundResponsePrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	require.Contains(t, text.Text, "factsheet_facts_for_prompt")
}

func TestHandleGroundResponsePromptRequiresSubject(t *testing.T) {
	s := newTestMCPServer(t, nil)

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{}
	_, err := s.handleGroundResponsePrompt(context.Background(), req)
	require.Error(t, err)
}

func TestHandleRecordFactsPrompt(t *testing.T) {
	s := newTestMCPServer(t, nil)

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{"subject": "user-1"}
	result, err := s.handleRecordFactsPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	text, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	require.Contains(t, text.Text, "factsheet_observe")
}

func TestHandleRecordFactsPromptRequiresSubject(t *testing.T) {
	s := newTestMCPServer(t, nil)

	req := mcplib.GetPromptRequest{}
	req.Params.Arguments = map[string]string{}
	_, err := s.handleRecordFactsPrompt(context.Background(), req)
	require.Error(t, err)
}
