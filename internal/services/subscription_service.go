// Package services – SubscriptionService.
//
// Signup creates a pending subscriber and its confirmation token atomically,
// then sends the confirmation email outside the transaction: a provider
// outage must not roll back the signup, and the confirmation link can always
// be re-requested. Confirm flips the subscriber to confirmed; from then on
// they are included in newsletter fan-outs.
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

const tokenLen = 25

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SubscriptionService owns the subscriber lifecycle.
type SubscriptionService struct {
	DB    *gorm.DB
	Email email.Client
	// PublicBaseURL is the externally reachable server address used to build
	// confirmation links, e.g. "https://newsletter.example.com".
	PublicBaseURL string
}

// Subscribe registers a new pending subscriber and emails them a confirmation
// link. The subscriber row and token are written in one transaction; the
// email send is best effort.
func (s *SubscriptionService) Subscribe(ctx context.Context, name, rawEmail string) (*domain.Subscriber, error) {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Subscribe",
		trace.WithAttributes(attribute.String("subscriber.email", rawEmail)),
	)
	defer span.End()

	addr, err := domain.ParseSubscriberEmail(rawEmail)
	if err != nil {
		return nil, ErrInvalidEmail
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	token, err := newSubscriptionToken()
	if err != nil {
		return nil, err
	}

	var sub *domain.Subscriber
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		sub, txErr = repo.CreateSubscriber(tx, addr.String(), strings.TrimSpace(name))
		if txErr != nil {
			return txErr
		}
		return repo.StoreSubscriptionToken(tx, sub.ID, token)
	})
	if errors.Is(err, repo.ErrDuplicateEmail) {
		return nil, ErrDuplicateSubscriber
	}
	if err != nil {
		return nil, err
	}

	if s.Email != nil {
		if sendErr := s.sendConfirmationEmail(ctx, addr, token); sendErr != nil {
			log.Error().Err(sendErr).
				Str("subscriber_id", sub.ID).
				Msg("failed to send confirmation email")
		}
	}
	return sub, nil
}

// Confirm redeems a confirmation token. Confirming twice is harmless.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Confirm")
	defer span.End()

	subscriberID, err := repo.GetSubscriberIDFromToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	return repo.ConfirmSubscriber(ctx, s.DB, subscriberID)
}

func (s *SubscriptionService) sendConfirmationEmail(ctx context.Context, addr domain.SubscriberEmail, token string) error {
	link := fmt.Sprintf("%s/subscriptions/confirm?subscription_token=%s",
		strings.TrimRight(s.PublicBaseURL, "/"), token)
	html := fmt.Sprintf(
		`Welcome to our newsletter!<br/>Click <a href="%s">here</a> to confirm your subscription.`, link)
	text := fmt.Sprintf(
		"Welcome to our newsletter!\nVisit %s to confirm your subscription.", link)
	return s.Email.Send(ctx, addr, "Welcome!", html, text)
}

// newSubscriptionToken generates a 25-character case-sensitive alphanumeric
// token from crypto/rand.
func newSubscriptionToken() (string, error) {
	var b strings.Builder
	b.Grow(tokenLen)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < tokenLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate subscription token: %w", err)
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}
