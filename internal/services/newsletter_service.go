// Package services – NewsletterService.
//
// This file implements the outbox write for newsletter publishing. Inside the
// transaction won from the Processor it inserts the issue, fans out one
// delivery-queue row per currently confirmed subscriber, persists the final
// HTTP response on the idempotency claim, and commits. All or nothing.
// Delivery itself happens later, in the worker package.
package services

import (
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

var respJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// PublishResult is what the handler emits for a publish request, replayed or
// fresh.
type PublishResult struct {
	Response *domain.SavedResponse
	// Replayed is true when the response was served from the idempotency
	// store instead of a fresh outbox write.
	Replayed bool
}

// publishAccepted is the JSON body of a successful publish response.
type publishAccepted struct {
	Message           string `json:"message"`
	NewsletterIssueID string `json:"newsletter_issue_id"`
}

// NewsletterService coordinates idempotent newsletter publishing.
type NewsletterService struct {
	Processor *Processor
}

// ScheduleNewsletterDelivery runs the two-phase outbox write inside the
// caller's transaction: insert the issue, then enqueue one delivery task per
// confirmed subscriber in a single set-based statement. Both phases see the
// same snapshot; a subscriber confirming after this instant is not included.
func (s *NewsletterService) ScheduleNewsletterDelivery(tx *gorm.DB, title, textContent, htmlContent string) (string, error) {
	issueID, err := repo.InsertNewsletterIssue(tx, title, textContent, htmlContent)
	if err != nil {
		return "", err
	}
	if err := repo.EnqueueDeliveryTasks(tx, issueID); err != nil {
		return "", err
	}
	return issueID, nil
}

// Publish executes one logical "publish newsletter" action for (userID, key).
// Issuing it N times, sequentially or concurrently, creates exactly one issue
// and one delivery-task set; every call returns the identical response.
func (s *NewsletterService) Publish(ctx context.Context, userID string, key domain.IdempotencyKey, title, textContent, htmlContent string) (*PublishResult, error) {
	tr := otel.Tracer("services/NewsletterService")
	ctx, span := tr.Start(ctx, "Publish",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if title == "" || textContent == "" || htmlContent == "" {
		return nil, ErrEmptyContent
	}

	next, err := s.Processor.TryBegin(ctx, userID, key)
	if err != nil {
		return nil, err
	}

	switch action := next.(type) {
	case ReturnSavedResponse:
		return &PublishResult{Response: action.Response, Replayed: true}, nil

	case StartProcessing:
		tx := action.Tx
		// Safe after commit; releases the claim on any error path.
		defer tx.Rollback()

		issueID, err := s.ScheduleNewsletterDelivery(tx.DB(), title, textContent, htmlContent)
		if err != nil {
			return nil, err
		}

		resp, err := scheduledResponse(issueID)
		if err != nil {
			return nil, err
		}
		if err := s.Processor.PersistFinalResponse(tx, userID, key, resp); err != nil {
			return nil, err
		}
		return &PublishResult{Response: resp, Replayed: false}, nil

	default:
		// Unreachable: NextAction has exactly two implementations.
		return nil, ErrProcessingInFlight
	}
}

// scheduledResponse builds the canonical "delivery scheduled" response that
// is persisted on the claim row and replayed byte-for-byte on retries.
func scheduledResponse(issueID string) (*domain.SavedResponse, error) {
	body, err := respJSON.Marshal(publishAccepted{
		Message:           "newsletter delivery scheduled",
		NewsletterIssueID: issueID,
	})
	if err != nil {
		return nil, err
	}
	return &domain.SavedResponse{
		StatusCode: http.StatusAccepted,
		Headers: []domain.HeaderPair{
			{Name: "Content-Type", Value: []byte("application/json; charset=utf-8")},
		},
		Body: body,
	}, nil
}
