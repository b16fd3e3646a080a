package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// factsheet://subject/{subject}/profile — a subject's current profile,
	// exposed read-only for clients that prefer resource reads over tool
	// calls for simple lookups.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"factsheet://subject/{subject}/profile",
			"Subject Profile",
			mcplib.WithTemplateDescription("Current fact sheet for a specific subject"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSubjectProfile,
	)
}

func (s *Server) handleSubjectProfile(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	subject, err := parseSubjectProfileURI(uri)
	if err != nil {
		return nil, err
	}

	profile, found, err := s.orch.Get(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("mcp: subject profile: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"subject": subject,
		"found":   found,
		"profile": profile,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal subject profile: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseSubjectProfileURI extracts the subject from "factsheet://subject/{subject}/profile".
func parseSubjectProfileURI(uri string) (string, error) {
	const prefix = "factsheet://subject/"
	const suffix = "/profile"

	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("mcp: invalid subject profile URI: %s", uri)
	}

	subject := uri[len(prefix) : len(uri)-len(suffix)]
	if subject == "" {
		return "", fmt.Errorf("mcp: empty subject in URI: %s", uri)
	}

	return subject, nil
}
