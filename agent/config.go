package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bountyboard-backend/core/bounty"
)

// Config controls one discovery agent.
type Config struct {
	Wallet     bounty.Address
	GatewayURL string
	LedgerURL  string
	StatePath  string

	// MaxAttempts bounds metadata fetch retries per bounty.
	MaxAttempts   int
	RetryInterval time.Duration
	// BackfillSlack widens the first live cursor so nothing created while
	// the backlog was being read is missed.
	BackfillSlack time.Duration
	BacklogDelay  time.Duration
	// BacklogPage is the page size used to read the backlog while seeding.
	BacklogPage int

	// Once processes the backlog and exits instead of following the stream.
	Once bool
	Max  int

	Capabilities Capabilities
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.BackfillSlack <= 0 {
		c.BackfillSlack = 5 * time.Minute
	}
	if c.BacklogDelay <= 0 {
		c.BacklogDelay = 15 * time.Minute
	}
	if c.BacklogPage <= 0 || c.BacklogPage > 500 {
		c.BacklogPage = 500
	}
	if c.Max <= 0 {
		c.Max = 3
	}
	if c.StatePath == "" {
		c.StatePath = "agent.db"
	}
}

// Capabilities decides which bounties this agent is willing to attempt.
type Capabilities struct {
	SkipKeywords []string `yaml:"skip_keywords"`
	GoodKeywords []string `yaml:"good_keywords"`
	// RequireGood rejects bounties that match no good keyword.
	RequireGood    bool  `yaml:"require_good"`
	MinAmount      int64 `yaml:"min_amount"`
	MaxDescription int   `yaml:"max_description"`
}

// DefaultCapabilities skips tasks that need a physical presence and
// accepts anything else.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SkipKeywords: []string{"physical", "mail", "ship", "call", "phone", "meet"},
		GoodKeywords: []string{
			"summarize", "summary", "analyze", "analysis", "research",
			"explain", "write", "draft", "review", "translate",
			"compare", "evaluate", "describe", "list", "outline",
		},
	}
}

// LoadCapabilities reads a YAML capability file. An empty path yields the
// defaults.
func LoadCapabilities(path string) (Capabilities, error) {
	caps := DefaultCapabilities()
	if path == "" {
		return caps, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return caps, fmt.Errorf("read capabilities: %w", err)
	}
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return caps, fmt.Errorf("parse capabilities %s: %w", path, err)
	}
	return caps, nil
}

// CanHandle reports whether m is worth attempting and, if not, why.
func (c Capabilities) CanHandle(m bounty.Metadata) (bool, string) {
	if c.MinAmount > 0 && m.Amount < c.MinAmount {
		return false, "amount below minimum"
	}
	if c.MaxDescription > 0 && len(m.Description) > c.MaxDescription {
		return false, "description too long"
	}
	text := strings.ToLower(m.Title + " " + m.Description)
	for _, kw := range c.SkipKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return false, "needs " + kw
		}
	}
	for _, kw := range c.GoodKeywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true, ""
		}
	}
	if c.RequireGood {
		return false, "no matching capability"
	}
	return true, ""
}
