package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("flight-escrow", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetFlight, h.HandleGetFlight)
	s.AddTool(ToolListFlights, h.HandleListFlights)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolBuyTicket, h.HandleBuyTicket)
	s.AddTool(ToolClaimRefund, h.HandleClaimRefund)

	return s
}
