package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

func newIdemEngine(lookup IdempotencyLookup, capture *struct {
	key    domain.IdempotencyKey
	hasKey bool
	replay bool
}) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(lookup))
	r.POST("/x", func(c *gin.Context) {
		capture.key, capture.hasKey = GetIdempotencyKey(c)
		capture.replay = IsReplay(c)
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestIdempotencyValidator_NoHeaderIsNoop(t *testing.T) {
	var got struct {
		key    domain.IdempotencyKey
		hasKey bool
		replay bool
	}
	r := newIdemEngine(nil, &got)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if got.hasKey {
		t.Fatalf("no key should be stashed, got %q", got.key)
	}
	if got.replay {
		t.Fatal("no replay flag expected")
	}
}

func TestIdempotencyValidator_StashesValidKey(t *testing.T) {
	var got struct {
		key    domain.IdempotencyKey
		hasKey bool
		replay bool
	}
	r := newIdemEngine(nil, &got)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "my-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if !got.hasKey || got.key.String() != "my-key" {
		t.Fatalf("stashed key: %q (present=%v)", got.key, got.hasKey)
	}
}

func TestIdempotencyValidator_RejectsOversizedKey(t *testing.T) {
	var got struct {
		key    domain.IdempotencyKey
		hasKey bool
		replay bool
	}
	r := newIdemEngine(nil, &got)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, strings.Repeat("a", domain.MaxIdempotencyKeyLen+1))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "bad_idempotency_key") {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestResolveUserID_Precedence(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newCtx := func() *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
		return c
	}

	// No identity at all: the development fallback.
	c := newCtx()
	if got := ResolveUserID(c); got != "demo-user" {
		t.Fatalf("fallback identity: %q", got)
	}

	// Header identity.
	c = newCtx()
	c.Request.Header.Set("X-User-ID", "admin-7")
	if got := ResolveUserID(c); got != "admin-7" {
		t.Fatalf("header identity: %q", got)
	}

	// Auth middleware identity wins over the header.
	c.Set("userID", "authed-user")
	if got := ResolveUserID(c); got != "authed-user" {
		t.Fatalf("context identity: %q", got)
	}
}

func TestIdempotencyValidator_MarksReplay(t *testing.T) {
	var got struct {
		key    domain.IdempotencyKey
		hasKey bool
		replay bool
	}
	var lookedUp struct {
		userID string
		key    domain.IdempotencyKey
	}
	lookup := func(_ context.Context, userID string, key domain.IdempotencyKey, _ time.Time) (bool, error) {
		lookedUp.userID = userID
		lookedUp.key = key
		return true, nil
	}
	r := newIdemEngine(lookup, &got)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderIdempotencyKey, "seen-before")
	req.Header.Set("X-User-ID", "u42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if !got.replay {
		t.Fatal("replay flag should be set when lookup reports an existing response")
	}
	if lookedUp.userID != "u42" || lookedUp.key.String() != "seen-before" {
		t.Fatalf("lookup saw (%q, %q)", lookedUp.userID, lookedUp.key)
	}
}
