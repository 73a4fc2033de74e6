package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// --- fake mailer so signup flows do not hit the network ---

type fakeMailer struct{ sends int }

func (m *fakeMailer) Send(context.Context, domain.SubscriberEmail, string, string, string) error {
	m.sends++
	return nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---

func newRouterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:   "/",
		PublicBaseURL: "http://localhost:8080",
		RateRPS:       100,
		RateBurst:     100,
		CORS:          config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:      config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:          config.OTELConfig{ServiceName: "test-svc"},
		Idempotency: config.IdempotencyConfig{
			PendingPolicy:  "conflict",
			PendingPoll:    10 * time.Millisecond,
			PendingTimeout: time.Second,
		},
	}
}

func newRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newRouterDB(t)
	RegisterRoutes(r, db, &fakeMailer{}, testConfig())
	return r, db
}

func TestRegisterRoutes_HealthMetricsAndFallbacks(t *testing.T) {
	r, _ := newRouter(t)

	// /health works
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	// Security headers are applied globally
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options: %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// Unknown route → structured 404
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", w.Code)
	}

	// Wrong method on a known route → structured 405
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/subscriptions", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /subscriptions = %d", w.Code)
	}
}

func TestRegisterRoutes_EndToEndPublishFlow(t *testing.T) {
	r, db := newRouter(t)

	// Sign up and confirm one subscriber through the real endpoints.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/subscriptions",
		bytes.NewReader([]byte(`{"email":"jane@example.com","name":"Jane"}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: %d body: %s", w.Code, w.Body.String())
	}

	var token domain.SubscriptionToken
	if err := db.First(&token).Error; err != nil {
		t.Fatalf("load token: %v", err)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?subscription_token="+token.Token, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d body: %s", w.Code, w.Body.String())
	}

	// Publish with an idempotency key, twice.
	publish := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/newsletters",
			bytes.NewReader([]byte(`{"title":"Issue #1","text_content":"t","html_content":"<p>h</p>"}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "admin")
		req.Header.Set(middleware.HeaderIdempotencyKey, "11111111-1111-1111-1111-111111111111")
		r.ServeHTTP(w, req)
		return w
	}

	first := publish()
	if first.Code != http.StatusAccepted {
		t.Fatalf("publish: %d body: %s", first.Code, first.Body.String())
	}
	second := publish()
	if second.Code != http.StatusAccepted {
		t.Fatalf("replay: %d body: %s", second.Code, second.Body.String())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatal("replay marker missing")
	}

	// One issue, one queued task for the confirmed subscriber.
	var body struct {
		NewsletterIssueID string `json:"newsletter_issue_id"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var issues int64
	if err := db.Model(&domain.NewsletterIssue{}).Count(&issues).Error; err != nil {
		t.Fatalf("count issues: %v", err)
	}
	if issues != 1 {
		t.Fatalf("issues: %d", issues)
	}
	tasks, err := repo.CountTasks(context.Background(), db, body.NewsletterIssueID)
	if err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if tasks != 1 {
		t.Fatalf("tasks: %d", tasks)
	}

	// Admin listing sees the subscriber.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscribers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d body: %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_AllowlistCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://app.example.com"}
	RegisterRoutes(r, newRouterDB(t), &fakeMailer{}, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allowlisted origin should be echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin must not be allowed, got %q", got)
	}
}
