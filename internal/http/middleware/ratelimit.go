// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file rate limits the write endpoints. Signing up and publishing are
// the expensive operations here (both end in email fan-out), so buckets are
// keyed by the same identity the idempotency protocol namespaces its claims
// with: the resolved caller when one is present, the client IP otherwise.
// Replays of completed idempotent requests bypass the limiter entirely;
// serving a stored response costs a single row read, and throttling it would
// punish exactly the retries the idempotency protocol exists to make safe.
//
// The limiter is process-local. With several API replicas each enforces its
// own budget, which is acceptable for abuse control on this service.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// bucketKey selects the identity a request's token bucket is keyed by.
// Authenticated callers (publishing admins) get per-user buckets so one
// noisy admin cannot starve another; anonymous signup traffic is keyed by
// client IP.
func bucketKey(c *gin.Context) string {
	if id, ok := callerIdentity(c); ok {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// bucket pairs a token bucket with its last use, so idle entries can be
// evicted.
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-identity token-bucket budget.
//
// Buckets are created on demand. A sweep runs at most once per idleTTL and
// drops buckets idle for at least idleTTL, bounding memory under churning
// anonymous traffic. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	idleTTL   time.Duration
	lastSweep time.Time
}

// NewRateLimiter constructs a RateLimiter replenishing rps tokens per second
// with the given burst size. A burst below 1 is coerced to 1 so a fresh
// bucket always admits its first request.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		buckets:   make(map[string]*bucket),
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

// take reports whether the identity's bucket admits one more request now.
func (rl *RateLimiter) take(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	// Sweep before touching the requested bucket so an idle entry is evicted
	// even when it is the one being fetched.
	if now.Sub(rl.lastSweep) >= rl.idleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.lim
	rl.mu.Unlock()

	return lim.Allow()
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay of a completed operation. Handler() serves such requests without
// consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware enforcing the budget.
//
// Replayed idempotent requests pass through untouched. Everything else draws
// one token from the caller's bucket; an empty bucket yields 429 with the
// standard error envelope and a Retry-After hint.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		if rl.take(bucketKey(c)) {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "too many requests",
		})
	}
}
