// PayGuard MCP Server - Exposes payment decisions as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/payguard/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("PAYGUARD_API_URL", "http://localhost:8080"),
		WalletAddress: os.Getenv("PAYGUARD_WALLET_ADDRESS"),
	}
	if v := os.Getenv("PAYGUARD_WALLET_BALANCE"); v != "" {
		b, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "PAYGUARD_WALLET_BALANCE must be a number")
			os.Exit(1)
		}
		cfg.WalletBalance = b
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
