package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer builds the stdio MCP server with the full tool catalog
// registered.
func NewMCPServer(h *Handler) *server.MCPServer {
	s := server.NewMCPServer(
		"Roblox Studio",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	h.Register(s)
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the client
// disconnects. Stdout belongs to the transport; all logging must go to
// stderr.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
