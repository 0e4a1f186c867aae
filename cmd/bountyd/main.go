package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"

	"bountyboard-backend/container"
	"bountyboard-backend/middleware"
	bstore "bountyboard-backend/storage/bounty"
)

type config struct {
	Port           string
	RequestTimeout time.Duration
	Container      container.Config
}

func loadConfig() (config, error) {
	genesis, err := container.ParseGenesis(os.Getenv("TOKEN_GENESIS"))
	if err != nil {
		return config{}, err
	}
	return config{
		Port:           envDefault("BOUNTY_PORT", "8000"),
		RequestTimeout: envDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
		Container: container.Config{
			StoreDriver:  envDefault("BOUNTY_STORE_DRIVER", "memory"), // memory | postgres
			PGDSN:        os.Getenv("BOUNTY_PG_DSN"),
			BacklogDelay: envDuration("GATEWAY_BACKLOG_DELAY", 15*time.Minute),
			PublicURL:    envDefault("GATEWAY_PUBLIC_URL", "http://localhost:8000"),
			Decimals:     envInt("TOKEN_DECIMALS", 18),
			RateLimit:    envBool("GATEWAY_RATE_LIMIT_ENABLED", true),
			RateCapacity: envInt("GATEWAY_RATE_LIMIT_CAPACITY", 100),
			RateRefill:   envInt("GATEWAY_RATE_LIMIT_REFILL", 10),
			LedgerURL:    os.Getenv("LEDGER_URL"),
			JournalPath:  envDefault("LEDGER_JOURNAL_PATH", "ledger.journal"),
			DevFaucet:    envBool("LEDGER_DEV_FAUCET", false),
			Genesis:      genesis,
		},
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
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
		log.Printf("ignoring invalid %s=%q", key, raw)
	}
	return def
}

func envBool(key string, def bool) bool {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
		log.Printf("ignoring invalid %s=%q", key, raw)
	}
	return def
}

// envDuration accepts a Go duration ("15m") or whole seconds.
func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
		return time.Duration(v) * time.Second
	}
	log.Printf("ignoring invalid %s=%q", key, raw)
	return def
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(ctx, cfg.Container)
	if err != nil {
		log.Fatalf("failed to init: %v", err)
	}
	defer c.Close()

	reconDone := make(chan struct{})
	go func() {
		defer close(reconDone)
		c.Reconciler.Run(ctx)
	}()

	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	if c.Limiter != nil {
		if err := schedulePrune(sched, c.Limiter, 5*time.Minute, 10*time.Minute); err != nil {
			log.Fatalf("rate limiter prune job: %v", err)
		}
	}
	sched.Start()
	defer sched.Shutdown()

	handler := middleware.Chain(c.Routes(),
		middleware.Recovery,
		middleware.Logging,
		middleware.CORS,
		middleware.SecurityHeaders,
		middleware.ValidateQuery,
		middleware.BodyLimit(1<<20),
		middleware.ContentType,
		middleware.Timeout(cfg.RequestTimeout),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	mode := "in-process ledger"
	if cfg.Container.LedgerURL != "" {
		mode = "remote ledger " + cfg.Container.LedgerURL
	}
	log.Printf("bounty board starting on :%s (store=%s, %s, backlog delay=%s)",
		cfg.Port, cfg.Container.StoreDriver, mode, cfg.Container.BacklogDelay)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-reconDone
	log.Printf("bounty board stopped")
}

// schedulePrune drops rate limiter buckets idle for longer than idle.
func schedulePrune(sched gocron.Scheduler, limiter *bstore.RateLimiter, every, idle time.Duration) error {
	_, err := sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if n := limiter.Prune(idle); n > 0 {
				log.Printf("rate limiter: pruned %d idle wallets", n)
			}
		}),
	)
	return err
}
