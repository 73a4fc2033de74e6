// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency-key support for unsafe HTTP methods.
// It validates the Idempotency-Key request header against the domain rules
// (non-empty, at most 50 bytes, otherwise opaque), optionally performs a
// lookup to detect previously completed requests, and annotates the request
// context so downstream handlers can:
//   - read the validated key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
//
// The middleware never serves the cached payload itself; handlers stay in
// control of how a replay is emitted.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// HeaderIdempotencyKey is the canonical request header that clients use to
// convey an idempotency key for unsafe operations (e.g., POST).
//
// The value is expected to be stable for a given logical action so that
// retries (network, client, or server initiated) can be safely deduplicated.
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay exists
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
//
// Handlers should prefer this function over reading the header directly.
func GetIdempotencyKey(c *gin.Context) (domain.IdempotencyKey, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	k, _ := v.(domain.IdempotencyKey)
	return k, k != ""
}

// IsReplay reports whether the middleware detected that this request would
// replay a previously completed operation for (user, key).
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyLookup answers whether a completed result already exists for
// (userID, key) at the given time. Implementations typically consult the
// idempotency table for a record with persisted response columns.
//
// Return exists=true when the prior response can be replayed; return an error
// only for lookup failures (which should not block normal processing).
type IdempotencyLookup func(ctx context.Context, userID string, key domain.IdempotencyKey, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header (if present),
// stashes the parsed key in the request context, and optionally checks for a
// prior completed request via the supplied lookup. When a replay is detected
// it marks the context so the rate limiter can skip limiting.
//
// Behavior:
//   - If the header is absent: the middleware is a no-op.
//   - If the header fails validation: responds 400 with a compact error body.
//   - If lookup indicates a replay: sets replay + rate-bypass flags.
//   - Always invokes the next handler unless validation fails.
func IdempotencyValidator(lookup IdempotencyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderIdempotencyKey)
		if raw == "" {
			c.Next()
			return
		}
		key, err := domain.ParseIdempotencyKey(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			uid := ResolveUserID(c)
			now := time.Now().UTC()
			if exists, _ := lookup(c.Request.Context(), uid, key, now); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true) // let RL middleware skip limiting
			}
		}

		c.Next()
	}
}

// ResolveUserID returns the identity that namespaces idempotency claims.
// It prefers the user set by upstream authentication middleware, then the
// X-User-ID header, then a development-friendly "demo-user" fallback.
//
// Handlers must use this same function when passing a user ID to the claim
// protocol; a different resolution order there would split one caller across
// two idempotency namespaces.
func ResolveUserID(c *gin.Context) string {
	if id, ok := callerIdentity(c); ok {
		return id
	}
	return "demo-user"
}

// callerIdentity reports the authenticated caller, without the fallback.
// The rate limiter uses this form so anonymous traffic is keyed by client IP
// instead of sharing one "demo-user" bucket.
func callerIdentity(c *gin.Context) (string, bool) {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	if s := c.GetHeader("X-User-ID"); s != "" {
		return s, true
	}
	return "", false
}
