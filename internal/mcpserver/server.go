// Package mcpserver exposes read-only billing tools to LLM clients over MCP.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the read-only billing tools.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("recurra", version)
	h := NewHandlers(NewClient(cfg), cfg.DefaultUser)

	s.AddTool(ToolGetPlatform, h.HandleGetPlatform)
	s.AddTool(ToolListFacets, h.HandleListFacets)
	s.AddTool(ToolGetTenant, h.HandleGetTenant)
	s.AddTool(ToolListTiers, h.HandleListTiers)
	s.AddTool(ToolListOwnerTenants, h.HandleListOwnerTenants)
	s.AddTool(ToolSubscriptionStatus, h.HandleSubscriptionStatus)
	s.AddTool(ToolChangePrice, h.HandleChangePrice)
	s.AddTool(ToolRelayMessage, h.HandleRelayMessage)
	s.AddTool(ToolRecentEvents, h.HandleRecentEvents)

	return s
}
