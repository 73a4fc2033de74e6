// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the idempotency
// table: claiming a (user, key) pair, reading a previously saved response,
// and persisting the final response on the claim row.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// TryInsertClaim attempts to insert a claim row carrying only the key
// columns, using INSERT ... ON CONFLICT DO NOTHING. It reports whether this
// caller won the claim. The uniqueness constraint on the composite primary
// key, not application locking, is what makes the claim race-free across
// processes.
func TryInsertClaim(tx *gorm.DB, userID string, key domain.IdempotencyKey) (bool, error) {
	rec := &domain.IdempotencyRecord{
		UserID:         userID,
		IdempotencyKey: key.String(),
		CreatedAt:      time.Now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetIdempotencyRecord returns the claim row for (userID, key), complete or
// not, or ErrNotFound.
func GetIdempotencyRecord(ctx context.Context, db *gorm.DB, userID string, key domain.IdempotencyKey) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key.String()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetSavedResponse returns the stored response for (userID, key), or nil when
// the claim row exists but the response columns are still unset. ErrNotFound
// is returned when no claim row exists at all.
func GetSavedResponse(ctx context.Context, db *gorm.DB, userID string, key domain.IdempotencyKey) (*domain.SavedResponse, error) {
	rec, err := GetIdempotencyRecord(ctx, db, userID, key)
	if err != nil {
		return nil, err
	}
	if !rec.Complete() {
		return nil, nil
	}
	return domain.SavedResponseFromRecord(rec)
}

// SaveResponse fills in the response columns of an existing claim row. It is
// called inside the claiming transaction, right before commit, so the
// completed record and the outbox rows become visible atomically.
func SaveResponse(tx *gorm.DB, userID string, key domain.IdempotencyKey, resp *domain.SavedResponse) error {
	headers, err := domain.EncodeHeaderPairs(resp.Headers)
	if err != nil {
		return err
	}
	status := int16(resp.StatusCode)
	return tx.Model(&domain.IdempotencyRecord{}).
		Where("user_id = ? AND idempotency_key = ?", userID, key.String()).
		Updates(map[string]any{
			"response_status_code": status,
			"response_headers":     headers,
			"response_body":        resp.Body,
		}).Error
}
