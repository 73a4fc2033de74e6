// Package domain defines the core persistence models for the application.
//
// This file holds the idempotency-key value type and the record that stores a
// previously produced HTTP response, keyed by (user_id, idempotency_key).
// Together they let unsafe endpoints (newsletter publishing) be retried
// without re-executing side effects: the first request claims the key, every
// later request replays the recorded response verbatim.
package domain

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// MaxIdempotencyKeyLen caps accepted key length in bytes.
const MaxIdempotencyKeyLen = 50

// ErrEmptyIdempotencyKey is returned by ParseIdempotencyKey for an empty key.
var ErrEmptyIdempotencyKey = errors.New("idempotency key cannot be empty")

// IdempotencyKey is a validated, opaque client-supplied token identifying one
// logical action. Equality is byte equality; the value is never normalized.
type IdempotencyKey string

// ParseIdempotencyKey validates a raw header/form value. It fails when the
// value is empty or longer than MaxIdempotencyKeyLen bytes; no other
// transformation is applied (case-sensitive, not trimmed).
func ParseIdempotencyKey(raw string) (IdempotencyKey, error) {
	if raw == "" {
		return "", ErrEmptyIdempotencyKey
	}
	if len(raw) > MaxIdempotencyKeyLen {
		return "", fmt.Errorf("idempotency key cannot be longer than %d characters", MaxIdempotencyKeyLen)
	}
	return IdempotencyKey(raw), nil
}

// String returns the raw key as stored.
func (k IdempotencyKey) String() string { return string(k) }

// HeaderPair is one recorded response header. Value keeps the raw bytes so
// replay preserves the original casing and content exactly.
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// IdempotencyRecord is the claim row for one (user, key) pair.
//
// Lifecycle: the row is first inserted with only the key columns populated
// ("claimed but not finished"); the owning transaction later fills in the
// response columns before committing. A record with all three response
// columns set is complete and safe to replay.
type IdempotencyRecord struct {
	UserID             string    `gorm:"type:varchar(64);primaryKey"`
	IdempotencyKey     string    `gorm:"type:varchar(50);primaryKey"`
	ResponseStatusCode *int16    `gorm:"type:smallint"`
	ResponseHeaders    []byte    `gorm:"type:blob"`
	ResponseBody       []byte    `gorm:"type:blob"`
	CreatedAt          time.Time `gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency" }

// Complete reports whether the response columns have been populated, i.e.
// whether the original request finished and the record can be replayed.
func (r *IdempotencyRecord) Complete() bool {
	return r.ResponseStatusCode != nil && r.ResponseHeaders != nil && r.ResponseBody != nil
}

// SavedResponse is the replayable HTTP response reconstructed from a complete
// IdempotencyRecord. Headers keep their original order.
type SavedResponse struct {
	StatusCode int
	Headers    []HeaderPair
	Body       []byte
}

var headerJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeHeaderPairs serializes an ordered header list for storage. The
// encoding round-trips names and raw byte values exactly.
func EncodeHeaderPairs(pairs []HeaderPair) ([]byte, error) {
	return headerJSON.Marshal(pairs)
}

// DecodeHeaderPairs reverses EncodeHeaderPairs, preserving order.
func DecodeHeaderPairs(raw []byte) ([]HeaderPair, error) {
	var pairs []HeaderPair
	if err := headerJSON.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	return pairs, nil
}

// SavedResponseFromRecord reconstructs the stored response from a complete
// record. It returns an error when the record is still in flight.
func SavedResponseFromRecord(rec *IdempotencyRecord) (*SavedResponse, error) {
	if !rec.Complete() {
		return nil, errors.New("idempotency record has no saved response")
	}
	headers, err := DecodeHeaderPairs(rec.ResponseHeaders)
	if err != nil {
		return nil, err
	}
	return &SavedResponse{
		StatusCode: int(*rec.ResponseStatusCode),
		Headers:    headers,
		Body:       rec.ResponseBody,
	}, nil
}
