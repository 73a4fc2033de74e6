// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides a single-use transaction handle passed
// to callers that win an idempotency claim: the handle must be consumed
// exactly once, by either Commit or Rollback.
package repo

import (
	"errors"
	"sync/atomic"

	"gorm.io/gorm"
)

// ErrTxDone is returned when a TxHandle is committed or rolled back twice.
var ErrTxDone = errors.New("transaction already finished")

// TxHandle wraps an open GORM transaction with a single-use guard. It makes
// the ownership transfer in the idempotency protocol explicit: whoever holds
// the handle owns the transaction, and once it is finished any further use
// fails with ErrTxDone instead of silently touching a dead transaction.
type TxHandle struct {
	tx   *gorm.DB
	done atomic.Bool
}

// NewTxHandle wraps an already-begun transaction.
func NewTxHandle(tx *gorm.DB) *TxHandle {
	return &TxHandle{tx: tx}
}

// DB exposes the underlying transaction for queries. It returns nil after
// the handle has been finished.
func (h *TxHandle) DB() *gorm.DB {
	if h.done.Load() {
		return nil
	}
	return h.tx
}

// Commit finishes the transaction. Only the first Commit/Rollback wins.
func (h *TxHandle) Commit() error {
	if !h.done.CompareAndSwap(false, true) {
		return ErrTxDone
	}
	return h.tx.Commit().Error
}

// Rollback aborts the transaction. Rolling back an already-finished handle
// is a no-op: deferred rollbacks after a successful commit are expected.
func (h *TxHandle) Rollback() error {
	if !h.done.CompareAndSwap(false, true) {
		return nil
	}
	return h.tx.Rollback().Error
}
