// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database connections, the email provider,
// the delivery worker, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-newsletter-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects and parameterizes the relational store.
// Driver "postgres" is the deployment target (required for SKIP LOCKED
// dequeueing across worker processes); "sqlite" serves development and tests.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: postgres|sqlite
	DSN    string // DB_DSN (postgres connection string)
	Path   string // DB_PATH (sqlite file)
}

// EmailConfig parameterizes the outbound email provider.
type EmailConfig struct {
	BaseURL     string        // EMAIL_BASE_URL
	ServerToken string        // EMAIL_SERVER_TOKEN
	Sender      string        // EMAIL_SENDER
	Timeout     time.Duration // EMAIL_TIMEOUT
}

// WorkerConfig parameterizes the delivery worker loop.
type WorkerConfig struct {
	Enabled      bool          // WORKER_ENABLED (run embedded in the server process)
	PollInterval time.Duration // WORKER_POLL_INTERVAL (sleep on empty queue)
	ErrorBackoff time.Duration // WORKER_ERROR_BACKOFF (sleep after a failed iteration)
}

// IdempotencyConfig selects how concurrent requests racing an in-flight claim
// are treated.
type IdempotencyConfig struct {
	PendingPolicy  string        // IDEMPOTENCY_PENDING_POLICY: conflict|wait
	PendingPoll    time.Duration // IDEMPOTENCY_PENDING_POLL
	PendingTimeout time.Duration // IDEMPOTENCY_PENDING_TIMEOUT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	PublicBaseURL     string        // externally reachable address for confirmation links

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	Database    DatabaseConfig
	Email       EmailConfig
	Worker      WorkerConfig
	Idempotency IdempotencyConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		PublicBaseURL:     getenv("PUBLIC_BASE_URL", "http://localhost:8080"),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/")),

		// App
		Database: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", ""),
			Path:   getenv("DB_PATH", "newsletter.db"),
		},
		Email: EmailConfig{
			BaseURL:     getenv("EMAIL_BASE_URL", "https://api.postmarkapp.com"),
			ServerToken: getenv("EMAIL_SERVER_TOKEN", ""),
			Sender:      getenv("EMAIL_SENDER", ""),
			Timeout:     getdur("EMAIL_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			Enabled:      getbool("WORKER_ENABLED", true),
			PollInterval: getdur("WORKER_POLL_INTERVAL", 10*time.Second),
			ErrorBackoff: getdur("WORKER_ERROR_BACKOFF", time.Second),
		},
		Idempotency: IdempotencyConfig{
			PendingPolicy:  strings.ToLower(getenv("IDEMPOTENCY_PENDING_POLICY", "conflict")),
			PendingPoll:    getdur("IDEMPOTENCY_PENDING_POLL", 100*time.Millisecond),
			PendingTimeout: getdur("IDEMPOTENCY_PENDING_TIMEOUT", 5*time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-newsletter-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Database.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty with DB_DRIVER=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return cfg, errors.New("DB_DSN must not be empty with DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: postgres, sqlite")
	}
	if cfg.Email.Timeout <= 0 {
		return cfg, errors.New("EMAIL_TIMEOUT must be > 0")
	}
	if cfg.Worker.PollInterval <= 0 || cfg.Worker.ErrorBackoff <= 0 {
		return cfg, errors.New("worker intervals must be positive durations")
	}
	switch cfg.Idempotency.PendingPolicy {
	case "conflict", "wait":
	default:
		return cfg, errors.New("IDEMPOTENCY_PENDING_POLICY must be one of: conflict, wait")
	}
	if cfg.Idempotency.PendingPoll <= 0 || cfg.Idempotency.PendingTimeout <= 0 {
		return cfg, errors.New("idempotency pending intervals must be positive durations")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
