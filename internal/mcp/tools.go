package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/lumenic/factsheet/internal/orchestrator"
)

func (s *Server) registerTools() {
	// factsheet_observe — extract facts from conversation text and merge them.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_observe",
			mcplib.WithDescription(`Feed conversation text to the extractor and merge whatever facts it
finds into a subject's profile.

WHEN TO USE: as a conversation unfolds, whenever the subject says something
that might be worth remembering (a name, a preference, a role, a constraint).
Call this instead of factsheet_patch when you don't already know the fact
with certainty and want the configured extractor to pull it out for you.

WHAT YOU GET BACK: the subject's profile after the merge, the list of
fields actually updated, any candidates the merge engine rejected (and
why — a rejection is a normal outcome, not a failure), and the extractor's
raw response when extraction ran.

EXAMPLE: observe(subject="user-42", input="I'm Ada, I mostly write Rust")
might update name="Ada" and extract a language preference, while leaving
a lower-confidence guess in "rejected".`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile being updated (a user ID, account ID, or similar)."),
				mcplib.Required(),
			),
			mcplib.WithString("input",
				mcplib.Description("The subject's side of the conversation turn — what they said."),
			),
			mcplib.WithString("output",
				mcplib.Description("The assistant's side of the conversation turn, when relevant to extraction."),
			),
			mcplib.WithString("source",
				mcplib.Description(`Provenance label for any facts this observe produces (e.g. "chat", "onboarding-form"). Defaults to "mcp".`),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("Override confidence (0.0-1.0) applied to all extracted candidates, instead of the extractor's own per-candidate confidence."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("mode",
				mcplib.Description(`"sync" (default) waits for the merge and returns the updated profile. "async" queues the work and returns immediately with queued=true.`),
			),
			mcplib.WithString("extract_from",
				mcplib.Description(`Which text to extract from: "input" (default), "output", or "both".`),
			),
			mcplib.WithString("on_error",
				mcplib.Description(`What to do if the extractor fails: "skip" (default, merge proceeds with zero candidates) or "throw" (the error is returned instead).`),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Optional key for retry safety. Same key + same payload replays the original response."),
			),
		),
		s.handleObserve,
	)

	// factsheet_patch — write known facts directly, no extraction.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_patch",
			mcplib.WithDescription(`Write facts you already know with certainty directly into a subject's
profile — no extraction step. Still subject to schema validation and the
merge rules of factsheet_observe (confidence floor, source priority,
timestamp ordering), so a patch can still be rejected; only the
recency-window rule is skipped for patches.

WHEN TO USE: you have a verified fact (from a form, an API, explicit user
confirmation) and want it recorded without running it through the
extractor.

EXAMPLE: patch(subject="user-42", facts='{"name":"Ada","role":"engineer"}')`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile being updated."),
				mcplib.Required(),
			),
			mcplib.WithString("facts",
				mcplib.Description(`A JSON object of field name to value, e.g. {"name":"Ada","role":"engineer"}. Must be non-empty.`),
				mcplib.Required(),
			),
			mcplib.WithString("source",
				mcplib.Description(`Provenance label for these facts (e.g. "verified", "form"). Defaults to "mcp".`),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("Confidence (0.0-1.0) to record for these facts. Defaults to 1.0 — patches are assumed to be certain."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Optional key for retry safety. Same key + same payload replays the original response."),
			),
		),
		s.handlePatch,
	)

	// factsheet_get — read a subject's current profile.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_get",
			mcplib.WithDescription(`Read a subject's current profile in full.

WHEN TO USE: before responding to a subject, to ground your answer in
what's already known about them. Returns found=false if the subject has
never had any facts recorded.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile to read."),
				mcplib.Required(),
			),
		),
		s.handleGet,
	)

	// factsheet_history — see how a field changed over time.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_history",
			mcplib.WithDescription(`See the append-only journal of changes to a subject's profile, optionally
scoped to a single field.

WHEN TO USE: to understand why a field holds its current value, or to
audit what a subject has told you (and when) across a long-running
relationship. Each entry includes the value, the previous value, the
source, a timestamp, and — for rejected candidates that still got
journaled — the action and reason.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile."),
				mcplib.Required(),
			),
			mcplib.WithString("field",
				mcplib.Description("Optional: restrict history to a single field name."),
			),
			mcplib.WithString("cursor",
				mcplib.Description("Opaque pagination cursor returned by a previous call."),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries to return."),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleHistory,
	)

	// factsheet_facts_for_prompt — render facts as prompt-ready text.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_facts_for_prompt",
			mcplib.WithDescription(`Render a subject's facts as one compact JSON object string with keys
sorted alphabetically, suitable for dropping straight into a system or
context prompt.

WHEN TO USE: when you want the subject's known facts available to a
downstream LLM call as a single string rather than a structured object.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile."),
				mcplib.Required(),
			),
			mcplib.WithString("select",
				mcplib.Description("Optional comma-separated list of field names to include. Defaults to every known field."),
			),
			mcplib.WithString("include_nulls",
				mcplib.Description(`"true" to include fields whose current value is explicitly null. Defaults to excluding them.`),
			),
		),
		s.handleFactsForPrompt,
	)

	// factsheet_filters — flat field->value map for structured use.
	s.mcpServer.AddTool(
		mcplib.NewTool("factsheet_filters",
			mcplib.WithDescription(`Get a subject's facts as a flat field->value map, suitable for
structured filtering or routing logic rather than prompt text.

WHEN TO USE: when the caller needs to branch on a fact's value
programmatically (e.g. route a request differently by subject role)
rather than feed it to an LLM as text.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("subject",
				mcplib.Description("Stable identifier for the profile."),
				mcplib.Required(),
			),
			mcplib.WithString("select",
				mcplib.Description("Optional comma-separated list of field names to include. Defaults to every known field."),
			),
		),
		s.handleFilters,
	)
}

func (s *Server) handleObserve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	in := orchestrator.ObserveInput{
		Subject:        subject,
		InputText:      request.GetString("input", ""),
		OutputText:     request.GetString("output", ""),
		IdempotencyKey: request.GetString("idempotency_key", ""),
		Mode:           orchestrator.ModeSync,
		ExtractFrom:    orchestrator.ExtractFromInput,
		OnError:        orchestrator.OnErrorSkip,
	}
	if source := request.GetString("source", ""); source != "" {
		in.Source = &source
	} else {
		defaultSource := "mcp"
		in.Source = &defaultSource
	}
	if conf := request.GetFloat("confidence", -1); conf >= 0 {
		in.Confidence = &conf
	}
	if mode := request.GetString("mode", ""); mode == string(orchestrator.ModeAsync) {
		in.Mode = orchestrator.ModeAsync
	}
	if ef := request.GetString("extract_from", ""); ef != "" {
		in.ExtractFrom = orchestrator.ExtractFrom(ef)
	}
	if oe := request.GetString("on_error", ""); oe == string(orchestrator.OnErrorThrow) {
		in.OnError = orchestrator.OnErrorThrow
	}

	result, err := s.orch.Observe(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("observe failed: %v", err)), nil
	}

	return jsonToolResult(map[string]any{
		"profile":      result.Profile,
		"updated":      result.Updated,
		"rejected":     result.Rejected,
		"extracted":    result.Extracted,
		"raw_response": result.RawResponse,
		"latency_ms":   result.LatencyMs,
		"queued":       result.Queued,
		"request_id":   result.RequestID,
	})
}

func (s *Server) handlePatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	factsRaw := request.GetString("facts", "")
	if factsRaw == "" {
		return errorResult("facts is required"), nil
	}
	var facts map[string]any
	if err := json.Unmarshal([]byte(factsRaw), &facts); err != nil {
		return errorResult(fmt.Sprintf("facts must be a JSON object: %v", err)), nil
	}
	if len(facts) == 0 {
		return errorResult("facts must contain at least one field"), nil
	}

	in := orchestrator.PatchInput{
		Subject:        subject,
		Facts:          facts,
		IdempotencyKey: request.GetString("idempotency_key", ""),
	}
	if source := request.GetString("source", ""); source != "" {
		in.Source = &source
	} else {
		defaultSource := "mcp"
		in.Source = &defaultSource
	}
	conf := request.GetFloat("confidence", 1)
	in.Confidence = &conf

	result, err := s.orch.Patch(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("patch failed: %v", err)), nil
	}

	return jsonToolResult(map[string]any{
		"profile":  result.Profile,
		"updated":  result.Updated,
		"rejected": result.Rejected,
	})
}

func (s *Server) handleGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	profile, found, err := s.orch.Get(ctx, subject)
	if err != nil {
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}

	return jsonToolResult(map[string]any{
		"profile": profile,
		"found":   found,
	})
}

func (s *Server) handleHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	result, err := s.orch.History(ctx, orchestrator.HistoryInput{
		Subject: subject,
		Field:   request.GetString("field", ""),
		Cursor:  request.GetString("cursor", ""),
		Limit:   request.GetInt("limit", 50),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("history failed: %v", err)), nil
	}

	return jsonToolResult(map[string]any{
		"entries":     result.Entries,
		"next_cursor": result.NextCursor,
	})
}

func (s *Server) handleFactsForPrompt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	facts, found, err := s.orch.FactsForPrompt(ctx, orchestrator.FactsForPromptInput{
		Subject:      subject,
		Select:       splitCSV(request.GetString("select", "")),
		IncludeNulls: request.GetString("include_nulls", "") == "true",
	})
	if err != nil {
		return errorResult(fmt.Sprintf("facts_for_prompt failed: %v", err)), nil
	}
	if !found {
		return errorResult(fmt.Sprintf("subject %q not found", subject)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: facts},
		},
	}, nil
}

func (s *Server) handleFilters(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	filters, found, err := s.orch.Filters(ctx, orchestrator.FiltersInput{
		Subject: subject,
		Select:  splitCSV(request.GetString("select", "")),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("filters failed: %v", err)), nil
	}

	return jsonToolResult(map[string]any{
		"filters": filters,
		"found":   found,
	})
}

// jsonToolResult marshals v as indented JSON into a single text content block.
func jsonToolResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// splitCSV splits a comma-separated field list, trimming whitespace and
// dropping empty entries. Returns nil (meaning "all fields") for an empty
// input.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
