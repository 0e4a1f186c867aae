package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"bountyboard-backend/agent"
	"bountyboard-backend/api"
	"bountyboard-backend/core/bounty"
	"bountyboard-backend/metrics"
)

type config struct {
	Agent       agent.Config
	ExecCommand string
	ExecTimeout time.Duration
	MetricsAddr string
}

func loadConfig(args []string) (config, error) {
	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	var (
		once        bool
		maxBounties int
		statePath   string
		capsPath    string
	)
	flags.BoolVar(&once, "once", false, "process the current backlog and exit")
	flags.IntVar(&maxBounties, "max", 3, "maximum bounties to process with --once")
	flags.StringVar(&statePath, "state", envDefault("AGENT_STATE_PATH", "agent.db"), "path to the agent's SQLite state")
	flags.StringVar(&capsPath, "capabilities", os.Getenv("AGENT_CAPABILITIES"), "YAML file with skip/good keywords")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	rawWallet := os.Getenv("AGENT_WALLET_ADDRESS")
	if rawWallet == "" {
		return config{}, fmt.Errorf("AGENT_WALLET_ADDRESS is required")
	}
	wallet, err := bounty.ParseAddress(rawWallet)
	if err != nil {
		return config{}, err
	}
	caps, err := agent.LoadCapabilities(capsPath)
	if err != nil {
		return config{}, err
	}

	gatewayURL := envDefault("BOUNTY_API_URL", "http://localhost:8000")
	return config{
		Agent: agent.Config{
			Wallet:        wallet,
			GatewayURL:    gatewayURL,
			LedgerURL:     envDefault("LEDGER_URL", gatewayURL),
			StatePath:     statePath,
			MaxAttempts:   envInt("AGENT_MAX_ATTEMPTS", 20),
			RetryInterval: envDuration("AGENT_RETRY_INTERVAL", 30*time.Second),
			BackfillSlack: envDuration("AGENT_BACKFILL_SLACK", 5*time.Minute),
			BacklogDelay:  envDuration("GATEWAY_BACKLOG_DELAY", 15*time.Minute),
			Once:          once,
			Max:           maxBounties,
			Capabilities:  caps,
		},
		ExecCommand: os.Getenv("AGENT_EXEC_COMMAND"),
		ExecTimeout: envDuration("AGENT_EXEC_TIMEOUT", 10*time.Minute),
		MetricsAddr: os.Getenv("AGENT_METRICS_ADDR"),
	}, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
		log.Printf("ignoring invalid %s=%q", key, raw)
	}
	return def
}

// envDuration accepts a Go duration ("30s") or whole seconds.
func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	log.Printf("ignoring invalid %s=%q", key, raw)
	return def
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.ExecCommand == "" {
		log.Printf("AGENT_EXEC_COMMAND is empty; every bounty will be declined")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := agent.OpenState(ctx, cfg.Agent.StatePath, slog.Default())
	if err != nil {
		log.Fatalf("agent state: %v", err)
	}
	defer state.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	gw := api.NewGatewayClient(cfg.Agent.GatewayURL, 30*time.Second)
	src := api.NewClient(cfg.Agent.LedgerURL, 30*time.Second)
	exec := agent.CommandExecutor{Command: cfg.ExecCommand, Timeout: cfg.ExecTimeout}
	a := agent.New(cfg.Agent, gw, src, exec, state, nil)

	log.Printf("agent %s starting (gateway=%s, ledger=%s)", cfg.Agent.Wallet.Short(), cfg.Agent.GatewayURL, cfg.Agent.LedgerURL)
	if cfg.Agent.Once {
		if _, err := a.RunOnce(ctx); err != nil {
			log.Fatalf("agent: %v", err)
		}
		return
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent: %v", err)
	}
	log.Printf("agent stopped")
}
