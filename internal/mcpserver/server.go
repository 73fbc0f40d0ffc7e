// Package mcpserver exposes the payment decision API as MCP tools so an
// agent can check a payment before it signs anything.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all payguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("payguard", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolEvaluatePayment, h.HandleEvaluatePayment)
	s.AddTool(ToolParsePaymentIntent, h.HandleParsePaymentIntent)
	s.AddTool(ToolCheckFrozen, h.HandleCheckFrozen)
	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)

	return s
}
