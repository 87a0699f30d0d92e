// Command mcp exposes the recurra billing API to LLM clients as read-only
// MCP tools over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/recurra/internal/mcpserver"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("RECURRA_API_URL", "http://localhost:8080"),
		DefaultUser: os.Getenv("RECURRA_USER_ADDRESS"),
	}
	if cfg.DefaultUser != "" && !common.IsHexAddress(cfg.DefaultUser) {
		fmt.Fprintln(os.Stderr, "RECURRA_USER_ADDRESS is not an address")
		os.Exit(1)
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
