// Flight escrow MCP server - exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/parv3213/flight-escrow/internal/mcpserver"
	"github.com/parv3213/flight-escrow/internal/validation"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("ESCROW_API_URL", "http://localhost:8080"),
		CallerAddress: os.Getenv("ESCROW_CALLER_ADDRESS"),
	}

	if !validation.IsValidEthAddress(cfg.CallerAddress) {
		fmt.Fprintln(os.Stderr, "ESCROW_CALLER_ADDRESS must be a valid Ethereum address")
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
