package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client requests-per-minute budget.
// A non-positive RPM disables enforcement entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client with the given burst allowance.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether rate limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow reports whether the client identified by id may make a request
// right now.
func (rl *RateLimiter) Allow(id string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	lim, ok := rl.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.rpm)), rl.burst)
		rl.limiters[id] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}

// Forget drops the per-client state for a disconnected client.
func (rl *RateLimiter) Forget(id string) {
	rl.mu.Lock()
	delete(rl.limiters, id)
	rl.mu.Unlock()
}
