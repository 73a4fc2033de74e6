// Command worker runs a standalone delivery worker against the shared
// database. Any number of worker processes can drain the same queue; the
// skip-locked dequeue guarantees each task is claimed by exactly one of them.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if cfg.Email.Sender == "" {
		log.Fatal().Msg("EMAIL_SENDER must be configured for the delivery worker")
	}
	sender, err := domain.ParseSubscriberEmail(cfg.Email.Sender)
	if err != nil {
		log.Fatal().Err(err).Msg("EMAIL_SENDER is not a valid address")
	}

	var db *gorm.DB
	switch cfg.Database.Driver {
	case "postgres":
		db, err = repo.OpenPostgres(cfg.Database.DSN)
	default:
		db, err = repo.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &worker.DeliveryWorker{
		DB:           db,
		Email:        email.NewPostmarkClient(cfg.Email.BaseURL, cfg.Email.ServerToken, sender, cfg.Email.Timeout),
		PollInterval: cfg.Worker.PollInterval,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("delivery worker failed")
	}
}
