// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides subscriber CRUD: signup, confirmation
// tokens, status transitions, and the paginated admin listing. Delivery
// fan-out never loads subscribers into memory; see EnqueueDeliveryTasks.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// ErrDuplicateEmail indicates that a subscriber with this address already exists.
var ErrDuplicateEmail = errors.New("email already subscribed")

// CreateSubscriber inserts a pending subscriber and returns it.
// ErrDuplicateEmail is returned on a unique violation.
func CreateSubscriber(tx *gorm.DB, email, name string) (*domain.Subscriber, error) {
	sub := &domain.Subscriber{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Status:       domain.StatusPendingConfirmation,
		SubscribedAt: time.Now().UTC(),
	}
	if err := tx.Create(sub).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") ||
			strings.Contains(low, "duplicate key") {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return sub, nil
}

// StoreSubscriptionToken associates a confirmation token with a subscriber.
func StoreSubscriptionToken(tx *gorm.DB, subscriberID, token string) error {
	return tx.Create(&domain.SubscriptionToken{
		Token:        token,
		SubscriberID: subscriberID,
	}).Error
}

// GetSubscriberIDFromToken resolves a confirmation token, or ErrNotFound.
func GetSubscriberIDFromToken(ctx context.Context, db *gorm.DB, token string) (string, error) {
	var rec domain.SubscriptionToken
	err := db.WithContext(ctx).Where("token = ?", token).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return rec.SubscriberID, nil
}

// ConfirmSubscriber marks a subscriber as confirmed. Confirming an already
// confirmed subscriber is a no-op, so retried confirmation links succeed.
func ConfirmSubscriber(ctx context.Context, db *gorm.DB, subscriberID string) error {
	return db.WithContext(ctx).
		Model(&domain.Subscriber{}).
		Where("id = ?", subscriberID).
		Update("status", domain.StatusConfirmed).Error
}

// CountSubscribers returns the total subscriber count (pagination support).
func CountSubscribers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Subscriber{}).Count(&n).Error
	return n, err
}

// ListSubscribersPage returns one page of subscribers ordered by signup time.
func ListSubscribersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Subscriber, error) {
	var subs []domain.Subscriber
	err := db.WithContext(ctx).
		Order("subscribed_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}
