package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/memindex/internal/memory"
)

const (
	// ServerName is the MCP server name
	ServerName = "memindex"
)

// ServerVersion is the version reported to MCP clients; set from main
var ServerVersion = "dev"

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	registry *memory.Registry
	logger   zerolog.Logger
}

// NewServer creates a new MCP server over registry. The registry stays owned
// by the caller.
func NewServer(registry *memory.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		mcp:      server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		registry: registry,
		logger:   logger,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio until ctx is cancelled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("agent_id", s.registry.DefaultAgent()).Msg("MCP server ready, listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(memorySearchTool(), s.logged("memory_search", s.handleMemorySearch))
	s.mcp.AddTool(memorySyncTool(), s.logged("memory_sync", s.handleMemorySync))
	s.mcp.AddTool(memoryStatusTool(), s.logged("memory_status", s.handleMemoryStatus))
}

// logged wraps a handler with a debug line per call and a warning per failure
func (s *Server) logged(name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h(ctx, request)
		if err != nil {
			s.logger.Warn().Err(err).Str("tool", name).Msg("tool call failed")
			return nil, err
		}
		s.logger.Debug().Str("tool", name).Msg("tool call served")
		return res, nil
	}
}
