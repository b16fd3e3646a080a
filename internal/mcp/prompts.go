package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// ground-response — guides the agent to pull known facts before replying.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("ground-response",
			mcplib.WithPromptDescription("Guide for grounding a reply in a subject's known facts before responding"),
			mcplib.WithArgument("subject",
				mcplib.ArgumentDescription("The subject you're about to respond to"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGroundResponsePrompt,
	)

	// record-facts — reminds the agent to capture new facts after a turn.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("record-facts",
			mcplib.WithPromptDescription("Reminder to record new facts learned during a conversation turn"),
			mcplib.WithArgument("subject",
				mcplib.ArgumentDescription("The subject the turn was with"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRecordFactsPrompt,
	)
}

func (s *Server) handleGroundResponsePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	subject := request.Params.Arguments["subject"]
	if subject == "" {
		return nil, fmt.Errorf("subject argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Ground your response to %s in their known facts", subject),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before responding to subject=%q, follow these steps:

1. CALL factsheet_facts_for_prompt with subject=%q to get a compact
   text summary of what's already known about them, or factsheet_get for
   the full structured profile.

2. USE what you find — don't re-ask for facts you already have, and
   tailor your tone/content to their known role, preferences, or
   constraints.

3. IF the profile is empty or a fact you need is missing, proceed
   normally — an empty profile just means this is early in the
   relationship.`, subject, subject),
				},
			},
		},
	}, nil
}

func (s *Server) handleRecordFactsPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	subject := request.Params.Arguments["subject"]
	if subject == "" {
		return nil, fmt.Errorf("subject argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Record facts learned about %s during this turn", subject),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You just finished a conversation turn with subject=%q. If they
mentioned anything durable — a name, a role, a preference, a constraint —
record it now so future turns don't have to re-derive it.

- If the fact came from their own words, CALL factsheet_observe with
  subject=%q and input set to what they said; the extractor will pull
  out structured fields.
- If you already know the fact with certainty (confirmed, not inferred),
  CALL factsheet_patch instead with the field set directly.

Facts that conflict with a prior value from a higher-priority source, or a
more recent prior value of the same priority, will be rejected by the merge
engine — that's expected, not an error.`, subject, subject),
				},
			},
		},
	}, nil
}
