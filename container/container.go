package container

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bountyboard-backend/api"
	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/handlers"
	"bountyboard-backend/mcp"
	"bountyboard-backend/services"
	bstore "bountyboard-backend/storage/bounty"
)

// Config selects the backends the container wires.
type Config struct {
	StoreDriver string
	PGDSN       string

	BacklogDelay time.Duration
	PublicURL    string
	Decimals     int

	RateLimit    bool
	RateCapacity int
	RateRefill   int

	// LedgerURL, when set, follows a remote ledger node instead of running
	// one in process.
	LedgerURL   string
	JournalPath string
	DevFaucet   bool
	Genesis     map[bounty.Address]int64
}

// Container holds all application dependencies
type Container struct {
	// Ledger is nil when the node follows a remote ledger.
	Ledger       *ledger.Ledger
	LedgerClient *api.Client
	Source       ledger.Source

	Store   bstore.Store
	Limiter *bstore.RateLimiter

	// Services
	GatewayService *services.GatewayService
	Reconciler     *services.Reconciler
	QRCodeService  *services.QRCodeService
	HealthService  *services.HealthService

	// Handlers
	HealthHandler *handlers.HealthHandler
	BountyHandler *handlers.BountyHandler
	LedgerAPI     *api.LedgerAPI
	MCP           *mcp.MCPServer
}

// NewContainer creates a new dependency container
func NewContainer(ctx context.Context, cfg Config) (*Container, error) {
	c := &Container{}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			return nil, fmt.Errorf("BOUNTY_PG_DSN required when BOUNTY_STORE_DRIVER=postgres")
		}
		pg, err := bstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		c.Store = pg
	case "", "memory":
		c.Store = bstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.LedgerURL != "" {
		c.LedgerClient = api.NewClient(cfg.LedgerURL, 10*time.Second)
		c.Source = c.LedgerClient
		log.Printf("following remote ledger at %s", cfg.LedgerURL)
	} else {
		l, err := ledger.Open(ledger.Config{
			JournalPath: cfg.JournalPath,
			Genesis:     cfg.Genesis,
		})
		if err != nil {
			c.Store.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		c.Ledger = l
		c.Source = l.Source()
		c.LedgerAPI = api.NewLedgerAPI(l, cfg.DevFaucet)
	}

	if cfg.RateLimit {
		c.Limiter = bstore.NewRateLimiter(cfg.RateCapacity, cfg.RateRefill)
	}

	c.GatewayService = services.NewGatewayService(c.Store, c.Source, services.GatewayConfig{
		BacklogDelay: cfg.BacklogDelay,
		Decimals:     cfg.Decimals,
		Limiter:      c.Limiter,
	})
	c.Reconciler = services.NewReconciler(c.Store, c.Source)
	c.QRCodeService = services.NewQRCodeService(cfg.PublicURL)
	c.HealthService = services.NewHealthService()
	c.registerHealthChecks()

	c.HealthHandler = handlers.NewHealthHandler(c.HealthService)
	c.BountyHandler = handlers.NewBountyHandler(c.GatewayService, c.QRCodeService)
	c.MCP = mcp.NewMCPServer(c.GatewayService, c.Source)
	return c, nil
}

func (c *Container) registerHealthChecks() {
	if pinger, ok := c.Store.(interface{ Ping(context.Context) error }); ok {
		c.HealthService.Register("store", pinger.Ping)
	}
	if c.LedgerClient != nil {
		c.HealthService.Register("ledger", c.LedgerClient.Ping)
	}
	c.HealthService.Register("reconciler", func(ctx context.Context) error {
		_, err := c.Reconciler.Cursor(ctx)
		return err
	})
}

// Routes mounts every surface this node serves.
func (c *Container) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	c.BountyHandler.RegisterRoutes(mux, c.HealthHandler)
	if c.LedgerAPI != nil {
		c.LedgerAPI.RegisterRoutes(mux)
	}
	c.MCP.RegisterRoutes(mux)
	return mux
}

// Close releases the store and the ledger journal.
func (c *Container) Close() {
	if c.Ledger != nil {
		if err := c.Ledger.Close(); err != nil {
			log.Printf("close ledger: %v", err)
		}
	}
	c.Store.Close()
}

// ParseGenesis reads "address=amount,address=amount".
func ParseGenesis(raw string) (map[bounty.Address]int64, error) {
	out := make(map[bounty.Address]int64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addrRaw, amountRaw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("genesis entry %q: expected address=amount", part)
		}
		addr, err := bounty.ParseAddress(addrRaw)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(amountRaw), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("genesis entry %q: invalid amount", part)
		}
		out[addr] += amount
	}
	return out, nil
}
