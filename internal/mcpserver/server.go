package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all copilot tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("q402-copilot", "1.0.0")
	client := NewCopilotClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)
	s.AddTool(ToolUpdatePolicy, h.HandleUpdatePolicy)
	s.AddTool(ToolPrepareTransaction, h.HandlePrepareTransaction)
	s.AddTool(ToolGetActivity, h.HandleGetActivity)
	s.AddTool(ToolFacilitatorHealth, h.HandleFacilitatorHealth)
	s.AddTool(ToolListSupportedNetworks, h.HandleListSupportedNetworks)
	s.AddTool(ToolFacilitatorStats, h.HandleFacilitatorStats)

	return s
}
