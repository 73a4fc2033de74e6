// Package services – idempotent command processor.
//
// This file implements the claim protocol that guarantees each logical client
// action runs at most once. TryBegin opens a transaction and races an
// INSERT ... ON CONFLICT DO NOTHING on the (user_id, idempotency_key) primary
// key: the winner walks away with the open transaction, every loser is handed
// the stored response of the original run. The database uniqueness
// constraint, not any in-process lock, is the arbiter, so the guarantee
// holds across server processes.
//
// A loser can also observe a claim whose response has not been written yet
// (the owner is mid-transaction). What happens then is a policy decision, not
// a guess: PendingPolicyConflict surfaces a retryable error immediately,
// PendingPolicyWait polls until the owner commits or a deadline passes.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// PendingPolicy selects how TryBegin treats a claim that exists but has no
// saved response yet.
type PendingPolicy string

const (
	// PendingPolicyConflict returns ErrProcessingInFlight immediately so the
	// HTTP layer can answer 409 with Retry-After.
	PendingPolicyConflict PendingPolicy = "conflict"
	// PendingPolicyWait polls for the saved response until PendingTimeout,
	// then falls back to ErrProcessingInFlight.
	PendingPolicyWait PendingPolicy = "wait"
)

// NextAction is the outcome of TryBegin: exactly one of the two concrete
// types below.
type NextAction interface {
	isNextAction()
}

// ReturnSavedResponse means the action already completed. The caller must
// replay the stored response verbatim and must not re-execute business logic.
type ReturnSavedResponse struct {
	Response *domain.SavedResponse
}

func (ReturnSavedResponse) isNextAction() {}

// StartProcessing means this caller uniquely owns the action. The caller owns
// the open transaction and must either finish the outbox write and commit, or
// roll back. After a rollback the claim never becomes visible to other callers.
type StartProcessing struct {
	Tx *repo.TxHandle
}

func (StartProcessing) isNextAction() {}

// Processor implements the idempotent command protocol over the relational
// store.
type Processor struct {
	DB *gorm.DB

	// PendingPolicy defaults to PendingPolicyConflict when unset.
	PendingPolicy PendingPolicy
	// PendingPoll is the wait-policy polling interval (default 100ms).
	PendingPoll time.Duration
	// PendingTimeout bounds the wait policy (default 5s).
	PendingTimeout time.Duration
}

// TryBegin decides, inside one transaction, whether the action identified by
// (userID, key) has already run. For a fixed pair, at most one caller is ever
// granted StartProcessing across all concurrent requests and processes.
func (p *Processor) TryBegin(ctx context.Context, userID string, key domain.IdempotencyKey) (NextAction, error) {
	tr := otel.Tracer("services/Processor")
	ctx, span := tr.Start(ctx, "TryBegin",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("idempotency.key", key.String()),
		),
	)
	defer span.End()

	var deadline time.Time
	if p.PendingPolicy == PendingPolicyWait {
		timeout := p.PendingTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline = time.Now().Add(timeout)
	}

	for {
		tx := p.DB.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, tx.Error
		}

		claimed, err := repo.TryInsertClaim(tx, userID, key)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if claimed {
			return StartProcessing{Tx: repo.NewTxHandle(tx)}, nil
		}
		// Someone else holds (or held) the claim; we won't write in this
		// transaction.
		tx.Rollback()

		saved, err := repo.GetSavedResponse(ctx, p.DB, userID, key)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if saved != nil {
			return ReturnSavedResponse{Response: saved}, nil
		}

		// Claim row exists without a response (owner still in flight), or it
		// vanished because the owner rolled back between our insert and read.
		if p.PendingPolicy != PendingPolicyWait || !time.Now().Before(deadline) {
			return nil, ErrProcessingInFlight
		}
		poll := p.PendingPoll
		if poll <= 0 {
			poll = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// PersistFinalResponse fills in the response columns on the claim row inside
// the caller's transaction and commits. Only upon this commit do the outbox
// rows and the completed idempotency record become visible together.
func (p *Processor) PersistFinalResponse(tx *repo.TxHandle, userID string, key domain.IdempotencyKey, resp *domain.SavedResponse) error {
	db := tx.DB()
	if db == nil {
		return repo.ErrTxDone
	}
	if err := repo.SaveResponse(db, userID, key, resp); err != nil {
		return err
	}
	return tx.Commit()
}
