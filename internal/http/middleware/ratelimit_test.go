package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

func TestBucketKey_UserThenIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/subscriptions", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	// Anonymous signup traffic is keyed by client IP.
	if key := bucketKey(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-keyed bucket, got %q", key)
	}

	// A publishing admin gets a per-user bucket, matching the idempotency
	// claim namespace.
	c.Request.Header.Set("X-User-ID", "admin-1")
	if key := bucketKey(c); key != "user:admin-1" {
		t.Fatalf("expected user-keyed bucket, got %q", key)
	}
	c.Set("userID", "authed")
	if key := bucketKey(c); key != "user:authed" {
		t.Fatalf("auth identity must win, got %q", key)
	}
}

func TestNewRateLimiter_BurstCoercionAndBucketReuse(t *testing.T) {
	rl := NewRateLimiter(2.0, 0) // burst<=0 coerced to 1
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed, got %d", rl.burst)
	}

	if !rl.take("user:a") {
		t.Fatal("fresh bucket must admit its first request")
	}
	rl.mu.Lock()
	b1 := rl.buckets["user:a"]
	rl.mu.Unlock()

	_ = rl.take("user:a")
	rl.mu.Lock()
	b2 := rl.buckets["user:a"]
	rl.mu.Unlock()
	if b1 != b2 {
		t.Fatal("expected the same bucket instance to be reused")
	}
}

func TestRateLimiter_SweepEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1.0, 1)
	rl.idleTTL = time.Nanosecond

	rl.mu.Lock()
	rl.buckets["ip:203.0.113.50"] = &bucket{
		lim:      rate.NewLimiter(1, 1),
		lastSeen: time.Now().Add(-time.Hour),
	}
	rl.lastSweep = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	_ = rl.take("user:active")

	rl.mu.Lock()
	_, oldExists := rl.buckets["ip:203.0.113.50"]
	_, newExists := rl.buckets["user:active"]
	rl.mu.Unlock()
	if oldExists {
		t.Fatal("idle bucket should have been swept")
	}
	if !newExists {
		t.Fatal("active bucket should have been created")
	}
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)

	if IsRateBypass(c) {
		t.Fatal("bypass must default to false")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatal("bypass flag not honored")
	}
	c.Set(ctxKeyRateBypass, "yes") // non-bool reads as false
	if IsRateBypass(c) {
		t.Fatal("non-bool flag must read as false")
	}
}

func TestRateLimiter_Handler_AllowThenDeny(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(0.001, 1) // one request, then a long refill
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.POST("/subscriptions", func(c *gin.Context) { c.Status(http.StatusCreated) })

	post := func(userID string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/subscriptions", nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		r.ServeHTTP(w, req)
		return w
	}

	if w := post("u1"); w.Code != http.StatusCreated {
		t.Fatalf("first request: %d", w.Code)
	}
	w := post("u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After: %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected envelope: %v", body)
	}

	// A different caller has an untouched bucket.
	if w := post("u2"); w.Code != http.StatusCreated {
		t.Fatalf("other caller should not be limited, got %d", w.Code)
	}
}

func TestRateLimiter_ReplayedPublishBypassesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Every key lookup reports a stored response, as it would for a client
	// retrying an already-completed publish.
	lookup := func(context.Context, string, domain.IdempotencyKey, time.Time) (bool, error) {
		return true, nil
	}

	rl := NewRateLimiter(0.001, 1)
	r := gin.New()
	r.Use(IdempotencyValidator(lookup))
	r.Use(rl.Handler())
	r.POST("/admin/newsletters", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
		req.Header.Set("X-User-ID", "admin")
		req.Header.Set(HeaderIdempotencyKey, "11111111-1111-1111-1111-111111111111")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("replay %d should bypass the limiter, got %d", i+1, w.Code)
		}
	}
}
