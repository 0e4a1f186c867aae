package bounty

import (
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting keyed by client (worker
// wallet on the submission path).
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mu         sync.Mutex
	capacity   int
	refillRate int // tokens per second
	now        func() time.Time
}

// ClientBucket tracks rate limit state for a client
type ClientBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter. Non-positive values fall back to a
// capacity of 100 and a refill of 10 tokens per second.
func NewRateLimiter(capacity, refillRate int) *RateLimiter {
	if capacity <= 0 {
		capacity = 100
	}
	if refillRate <= 0 {
		refillRate = 10
	}
	return &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// CheckRateLimit checks if a request should be allowed
func (rl *RateLimiter) CheckRateLimit(clientID string, cost int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, exists := rl.clients[clientID]
	if !exists {
		// Start with full bucket
		bucket = &ClientBucket{tokens: rl.capacity, lastRefill: now}
		rl.clients[clientID] = bucket
	}

	// Refill tokens based on elapsed time
	tokensToAdd := int(now.Sub(bucket.lastRefill).Seconds()) * rl.refillRate
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.capacity {
			bucket.tokens = rl.capacity
		}
		bucket.lastRefill = now
	}

	if bucket.tokens >= cost {
		bucket.tokens -= cost
		return true
	}
	return false
}

// Prune forgets clients whose buckets have been full for at least idle.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	removed := 0
	for id, b := range rl.clients {
		if now.Sub(b.lastRefill) >= idle {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Clients is the number of tracked buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
