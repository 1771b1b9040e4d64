// Mulehunter MCP Server - exposes account risk and transfer triage as MCP tools for analysts
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mulehunter/mulehunter/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL: envOrDefault("MULEHUNTER_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("MULEHUNTER_API_KEY"),
	}

	// stdout carries the protocol, so diagnostics go to stderr.
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "MULEHUNTER_API_KEY not set, submit_anomaly_scores will be rejected by a keyed server")
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
