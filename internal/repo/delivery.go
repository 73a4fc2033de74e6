// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers the issue delivery queue: the set-based
// fan-out insert and the skip-locked dequeue that lets multiple workers
// drain the queue concurrently without double-processing.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// EnqueueDeliveryTasks inserts one delivery task per subscriber that is
// confirmed at this instant, as a single set-based statement inside the
// caller's transaction. Subscribers who confirm later are not retroactively
// included.
func EnqueueDeliveryTasks(tx *gorm.DB, issueID string) error {
	return tx.Exec(
		`INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		 SELECT ?, email FROM subscriptions WHERE status = ?`,
		issueID, domain.StatusConfirmed,
	).Error
}

// DequeueTask claims one queued task inside the given transaction, or
// returns nil when the queue is empty. On PostgreSQL the row is locked with
// FOR UPDATE SKIP LOCKED, so concurrent workers partition the queue instead
// of blocking on (or double-claiming) each other's rows. The row stays
// locked until the caller commits or rolls back.
func DequeueTask(tx *gorm.DB) (*domain.DeliveryTask, error) {
	q := tx.Model(&domain.DeliveryTask{})
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var task domain.DeliveryTask
	err := q.Limit(1).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task after a terminal outcome (successful send or a
// permanently invalid address). Deletion is the only state transition the
// queue knows; absence of the row means done.
func DeleteTask(tx *gorm.DB, issueID, subscriberEmail string) error {
	return tx.
		Where("newsletter_issue_id = ? AND subscriber_email = ?", issueID, subscriberEmail).
		Delete(&domain.DeliveryTask{}).Error
}

// CountTasks returns the number of queued tasks for an issue.
func CountTasks(ctx context.Context, db *gorm.DB, issueID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.DeliveryTask{}).
		Where("newsletter_issue_id = ?", issueID).
		Count(&n).Error
	return n, err
}
