// Q402 Copilot MCP Server - Exposes copilot capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/q402/copilot/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:    envOrDefault("COPILOT_API_URL", "http://localhost:8080"),
		APIKey:    os.Getenv("COPILOT_API_KEY"),
		SessionID: os.Getenv("COPILOT_SESSION_ID"),
	}

	if cfg.SessionID == "" {
		fmt.Fprintln(os.Stderr, "COPILOT_SESSION_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
