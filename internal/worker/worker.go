// Package worker implements the background delivery loop that drains the
// issue delivery queue and sends newsletters to subscribers.
//
// Each iteration claims at most one task under a skip-locked row lock, so any
// number of worker processes can run against the same queue without sending
// the same (issue, email) pair twice. The lock is held for the duration of
// the send:
//   - success, or a permanently invalid address → delete the row and commit;
//   - transient provider failure → roll back, which releases the lock and
//     leaves the row queued for a later pass (at-least-once delivery).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// ExecutionOutcome reports what a single worker iteration accomplished.
type ExecutionOutcome int

const (
	// TaskCompleted means one task reached a terminal state (sent or dropped).
	TaskCompleted ExecutionOutcome = iota
	// EmptyQueue means there was nothing to do.
	EmptyQueue
)

// DeliveryWorker drains the delivery queue.
type DeliveryWorker struct {
	DB    *gorm.DB
	Email email.Client

	// PollInterval is the sleep after an empty poll (default 10s).
	PollInterval time.Duration
	// ErrorBackoff is the sleep after a failed iteration (default 1s).
	ErrorBackoff time.Duration

	// Logger defaults to the global logger when unset.
	Logger *zerolog.Logger
}

// TryExecuteTask claims and processes at most one delivery task.
//
// Outcomes:
//   - (EmptyQueue, nil): no task available.
//   - (TaskCompleted, nil): one task deleted, either because the email was
//     sent or because the stored address is invalid and the task was dropped.
//   - (_, err): store or provider failure; the claimed task (if any) stays
//     queued because the transaction rolled back.
func (w *DeliveryWorker) TryExecuteTask(ctx context.Context) (ExecutionOutcome, error) {
	tx := w.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return EmptyQueue, tx.Error
	}

	task, err := repo.DequeueTask(tx)
	if err != nil {
		tx.Rollback()
		return EmptyQueue, fmt.Errorf("dequeue delivery task: %w", err)
	}
	if task == nil {
		tx.Rollback()
		return EmptyQueue, nil
	}

	lg := w.logger().With().
		Str("newsletter_issue_id", task.NewsletterIssueID).
		Str("subscriber_email", task.SubscriberEmail).
		Logger()

	addr, parseErr := domain.ParseSubscriberEmail(task.SubscriberEmail)
	if parseErr != nil {
		// Permanent failure: a malformed address will never succeed, so the
		// task is dropped rather than retried.
		lg.Error().Err(parseErr).
			Msg("skipping a confirmed subscriber, their stored contact details are invalid")
		invalidAddresses.Inc()
		return w.completeTask(tx, task)
	}

	issue, err := repo.GetIssue(ctx, w.DB, task.NewsletterIssueID)
	if err != nil {
		tx.Rollback()
		return EmptyQueue, fmt.Errorf("load issue %s: %w", task.NewsletterIssueID, err)
	}

	if err := w.Email.Send(ctx, addr, issue.Title, issue.HTMLContent, issue.TextContent); err != nil {
		// Transient by assumption: keep the task queued and release the lock.
		lg.Error().Err(err).
			Msg("failed to deliver issue to a confirmed subscriber, leaving task queued")
		deliveryFailures.Inc()
		tx.Rollback()
		return EmptyQueue, fmt.Errorf("deliver issue %s to %s: %w", task.NewsletterIssueID, task.SubscriberEmail, err)
	}

	emailsDelivered.Inc()
	return w.completeTask(tx, task)
}

// completeTask deletes the claimed row and commits, the single terminal
// transition for a delivery task.
func (w *DeliveryWorker) completeTask(tx *gorm.DB, task *domain.DeliveryTask) (ExecutionOutcome, error) {
	if err := repo.DeleteTask(tx, task.NewsletterIssueID, task.SubscriberEmail); err != nil {
		tx.Rollback()
		return EmptyQueue, fmt.Errorf("delete delivery task: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return EmptyQueue, fmt.Errorf("commit delivery task: %w", err)
	}
	return TaskCompleted, nil
}

// Run drains the queue until ctx is cancelled. Completed tasks are followed
// immediately by the next poll; an empty queue sleeps PollInterval; any error
// sleeps ErrorBackoff and retries. The loop itself never crashes on a single
// task's failure.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	poll := w.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	backoff := w.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	w.logger().Info().
		Dur("poll_interval", poll).
		Msg("delivery worker started")

	for {
		if err := ctx.Err(); err != nil {
			w.logger().Info().Msg("delivery worker stopped")
			return err
		}

		outcome, err := w.TryExecuteTask(ctx)

		var pause time.Duration
		switch {
		case err != nil:
			pause = backoff
		case outcome == EmptyQueue:
			pause = poll
		default:
			continue
		}

		select {
		case <-ctx.Done():
			w.logger().Info().Msg("delivery worker stopped")
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (w *DeliveryWorker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return &log.Logger
}
