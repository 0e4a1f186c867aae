package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"bountyboard-backend/container"
)

type config struct {
	Container container.Config
}

func loadConfig() config {
	backlogDelay := 15 * time.Minute
	if raw := os.Getenv("GATEWAY_BACKLOG_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			backlogDelay = d
		}
	}
	decimals := 18
	if raw := os.Getenv("TOKEN_DECIMALS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			decimals = v
		}
	}
	return config{
		Container: container.Config{
			StoreDriver:  envDefault("BOUNTY_STORE_DRIVER", "memory"), // memory | postgres
			PGDSN:        os.Getenv("BOUNTY_PG_DSN"),
			BacklogDelay: backlogDelay,
			PublicURL:    envDefault("GATEWAY_PUBLIC_URL", "http://localhost:8000"),
			Decimals:     decimals,
			RateLimit:    os.Getenv("GATEWAY_RATE_LIMIT_ENABLED") != "false",
			RateCapacity: 100,
			RateRefill:   10,
			LedgerURL:    envDefault("LEDGER_URL", "http://localhost:8000"),
		},
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := container.NewContainer(ctx, cfg.Container)
	if err != nil {
		log.Fatalf("failed to init: %v", err)
	}
	defer c.Close()

	if cfg.Container.StoreDriver != "postgres" {
		log.Printf("memory store: submissions made through this server are not shared with the gateway")
	}
	// Keep the cached status current for the tools that read it.
	go c.Reconciler.Run(ctx)

	log.Printf("Bounty Board MCP server starting (driver=%s, ledger=%s)", cfg.Container.StoreDriver, cfg.Container.LedgerURL)
	if err := server.ServeStdio(c.MCP.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
