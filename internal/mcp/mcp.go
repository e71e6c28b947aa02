// Package mcp implements the Model Context Protocol surface of the governor.
//
// The MCP server exposes the action pipeline to MCP-compatible agents:
// tools submit and preview actions, resources expose boundaries, pending
// approvals, and the audit trail.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vetohq/veto/internal/engine"
)

// Server wraps the MCP server around the governance engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(eng *engine.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"veto",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
