package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneInterval is how often idle client buckets are swept.
const pruneInterval = time.Minute

// RateLimiter enforces per-client and global request rate limits with
// token buckets. Clients are keyed by caller or IP; a client whose bucket
// has refilled is dropped, since a fresh bucket behaves the same.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	clients   map[string]*rate.Limiter
	perClient rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing globalRPM requests per minute in
// total and perClientRPM per client.
func NewRateLimiter(globalRPM, perClientRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	clientBurst := perClientRPM
	if clientBurst < 1 {
		clientBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		clients:   make(map[string]*rate.Limiter),
		perClient: rate.Limit(float64(perClientRPM) / 60.0),
		burst:     clientBurst,
		now:       time.Now,
	}
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()
	rl.mu.Lock()
	if now.Sub(rl.lastPrune) >= pruneInterval {
		rl.prune(now)
	}
	limiter, ok := rl.clients[client]
	if !ok {
		limiter = rate.NewLimiter(rl.perClient, rl.burst)
		rl.clients[client] = limiter
	}
	rl.mu.Unlock()
	if !limiter.AllowN(now, 1) {
		return false
	}
	return rl.global.AllowN(now, 1)
}

// prune drops clients whose buckets are full again. Caller holds rl.mu.
func (rl *RateLimiter) prune(now time.Time) {
	for k, l := range rl.clients {
		if l.TokensAt(now) >= float64(rl.burst) {
			delete(rl.clients, k)
		}
	}
	rl.lastPrune = now
}

func (rl *RateLimiter) clientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
