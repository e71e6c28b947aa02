package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// veto://boundaries — the active limit configuration.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"veto://boundaries",
			"Boundaries",
			mcplib.WithResourceDescription("Active boundary configuration: spend caps, volume limits, and the allowed activity window"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBoundaries,
	)

	// veto://approvals/pending — the approval queue, priority ordered.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"veto://approvals/pending",
			"Pending Approvals",
			mcplib.WithResourceDescription("Actions waiting for human approval, ordered by priority"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingApprovals,
	)

	// veto://audit/recent — the newest audit entries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"veto://audit/recent",
			"Recent Audit Entries",
			mcplib.WithResourceDescription("The newest entries of the hash-chained audit trail"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAuditRecent,
	)
}

func (s *Server) handleBoundaries(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.engine.Boundaries(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal boundaries: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "veto://boundaries",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePendingApprovals(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.engine.Pending(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pending approvals: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "veto://approvals/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAuditRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.engine.AuditRecent(50), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal audit entries: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "veto://audit/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
