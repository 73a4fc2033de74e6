// Command server runs the newsletter HTTP API and, unless disabled, an
// embedded delivery worker that drains the issue delivery queue in the same
// process. For horizontally scaled deployments set WORKER_ENABLED=false here
// and run cmd/worker separately.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	httpapi "github.com/tbourn/go-newsletter-backend/internal/http"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/worker"
)

const version = "1.0.0"

func main() {
	// Best effort: a missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db := openDatabase(cfg)
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	mailer := buildMailer(cfg)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, mailer, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	workerDone := make(chan struct{})
	if cfg.Worker.Enabled && mailer != nil {
		w := &worker.DeliveryWorker{
			DB:           db,
			Email:        mailer,
			PollInterval: cfg.Worker.PollInterval,
			ErrorBackoff: cfg.Worker.ErrorBackoff,
		}
		go func() {
			defer close(workerDone)
			_ = w.Run(ctx)
		}()
	} else {
		close(workerDone)
		if cfg.Worker.Enabled {
			log.Warn().Msg("delivery worker disabled: no email sender configured")
		}
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	<-workerDone
	log.Info().Msg("server stopped")
}

// setupLogging applies the configured level and, in development, a pretty
// console writer. The level string was already validated by config.Load.
func setupLogging(cfg config.Config) {
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// openDatabase connects to the configured store. Postgres is the deployment
// target; SQLite serves development.
func openDatabase(cfg config.Config) *gorm.DB {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err = repo.OpenPostgres(cfg.Database.DSN)
	default:
		db, err = repo.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("database open failed")
	}
	return db
}

// buildMailer constructs the provider client, or returns nil when no sender
// address is configured (confirmation emails and delivery are then disabled).
func buildMailer(cfg config.Config) email.Client {
	if cfg.Email.Sender == "" {
		return nil
	}
	sender, err := domain.ParseSubscriberEmail(cfg.Email.Sender)
	if err != nil {
		log.Fatal().Err(err).Msg("EMAIL_SENDER is not a valid address")
	}
	return email.NewPostmarkClient(cfg.Email.BaseURL, cfg.Email.ServerToken, sender, cfg.Email.Timeout)
}
