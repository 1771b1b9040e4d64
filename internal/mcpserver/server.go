package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all analyst tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("mulehunter", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetAccountRisk, h.HandleGetAccountRisk)
	s.AddTool(ToolListRiskyAccounts, h.HandleListRiskyAccounts)
	s.AddTool(ToolListFlaggedTransfers, h.HandleListFlaggedTransfers)
	s.AddTool(ToolGetTransfer, h.HandleGetTransfer)
	s.AddTool(ToolInspectFingerprint, h.HandleInspectFingerprint)
	s.AddTool(ToolSubmitAnomalyScores, h.HandleSubmitAnomalyScores)

	return s
}
