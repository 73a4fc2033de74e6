package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/health", func(c *gin.Context) {
		if v, ok := c.Get(requestIDKey); !ok || v == "" {
			t.Fatal("requestID not set in context")
		}
		c.Status(http.StatusOK)
	})

	// Absent header: one is generated.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated %s header", requestIDHeader)
	}

	// Client-supplied id is reused, whatever the header casing.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(strings.ToLower(requestIDHeader), "corr-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "corr-123" {
		t.Fatalf("propagated id: %q", got)
	}
}

func TestLogger_LevelsAndPathFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.GET("/admin/subscribers", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.POST("/subscriptions", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	// 200 on a registered route logs at info with the route path.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscribers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}

	// Unknown route logs at warn with the raw path as fallback.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/newsletters/latest", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", w.Code)
	}

	// A handler that collected gin errors logs at error level.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/subscriptions", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad signup: %d", w.Code)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) || !strings.Contains(logs, `"path":"/admin/subscribers"`) {
		t.Fatalf("expected info log with route path, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"path":"/newsletters/latest"`) {
		t.Fatalf("expected warn log with raw path fallback, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("expected error log, got:\n%s", logs)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }

func TestLogger_MarksServedReplays(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	// Lookup reports a stored response, as for a retried publish.
	lookup := func(context.Context, string, domain.IdempotencyKey, time.Time) (bool, error) {
		return true, nil
	}

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(IdempotencyValidator(lookup))
	r.POST("/admin/newsletters", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	// Fresh request without a key: no replay marker in the log.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil))
	if strings.Contains(buf.String(), "idempotency_replay") {
		t.Fatalf("fresh request must not be marked as replay:\n%s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
	req.Header.Set(HeaderIdempotencyKey, "11111111-1111-1111-1111-111111111111")
	r.ServeHTTP(w, req)
	if !strings.Contains(buf.String(), `"idempotency_replay":true`) {
		t.Fatalf("replayed publish must be marked in the access log:\n%s", buf.String())
	}
}

func TestRecovery_PanicsToJSON500AndLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	r.POST("/admin/newsletters", func(c *gin.Context) { panic("publish exploded") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from Recovery, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["message"] != "internal server error" {
		t.Fatalf("unexpected body: %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestRecovery_PanicAfterWrite_NoJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	// Once bytes are on the wire the recovery path must not append a JSON
	// error body to the partial response.
	r.GET("/subscriptions/confirm", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late failure")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm", nil))

	if strings.Contains(w.Body.String(), "internal server error") {
		t.Fatalf("JSON error body after partial write: %q", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestLoggerFrom_FallbackAndRequestScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Without Logger() installed: a fallback logger with no request fields.
	buf1 := captureLogger(t)
	r1 := gin.New()
	r1.Use(RequestID())
	r1.GET("/health", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("probe")
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r1.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(buf1.String(), `"message":"probe"`) {
		t.Fatal("fallback logger did not emit")
	}
	if strings.Contains(buf1.String(), `"request_id"`) {
		t.Fatal("fallback logger unexpectedly carried request_id")
	}

	// With Logger() installed: the request-scoped logger carries request_id.
	buf2 := captureLogger(t)
	r2 := gin.New()
	r2.Use(RequestID())
	r2.Use(Logger())
	r2.GET("/health", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("probe2")
		c.Status(http.StatusOK)
	})
	w = httptest.NewRecorder()
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	out := buf2.String()
	if !strings.Contains(out, `"message":"probe2"`) || !strings.Contains(out, `"request_id"`) {
		t.Fatalf("expected request-scoped log with request_id, got:\n%s", out)
	}
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" {
		t.Fatal("asString failed")
	}
	if truncate("token=abc", 20) != "token=abc" {
		t.Fatal("truncate no-op failed")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate = %q", got)
	}
	if truncate("abc", 0) != "abc" {
		t.Fatal("max<=0 must disable truncation")
	}
}
