// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file sets the response headers this API always wants:
//
//   - Referrer-Policy: no-referrer. Confirmation links carry the
//     subscription token in the query string; a Referer leak would hand the
//     token to whatever the confirmation page links out to.
//   - Cache-Control: no-store. Responses carry subscriber data or replayable
//     idempotent payloads; neither belongs in a shared cache.
//   - X-Content-Type-Options: nosniff and X-Frame-Options: DENY as baseline
//     hardening for the one browser-facing endpoint (the confirm link).
//
// HSTS is opt-in and only emitted on HTTPS requests, since local and
// proxy-to-app traffic is commonly plain HTTP.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures the HSTS behavior of SecurityHeaders. Enable it
// only when traffic is HTTPS end to end, including between proxy and app.
type SecurityOptions struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration // defaults to 180 days when <= 0
}

// SecurityHeaders returns a Gin middleware attaching the header policy above
// to every response. Safe to compose with CORS and logging middleware in any
// order.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hstsValue := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		// Let browser clients read the correlation id for support requests.
		if h.Get("X-Request-ID") != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			switch {
			case cur == "":
				h.Set(hdr, "X-Request-ID")
			case !strings.Contains(cur, "X-Request-ID"):
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over HTTPS, directly or via a
// proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
