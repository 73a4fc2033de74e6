// Package services defines the business logic for subscriptions and
// newsletter publishing. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrProcessingInFlight is returned when another request holds the
	// idempotency claim for the same (user, key) pair and has not finished
	// yet. Callers should translate this into a retryable conflict.
	ErrProcessingInFlight = errors.New("another request with this idempotency key is still processing")

	// ErrEmptyContent is returned when a publish request is missing its
	// title, text content, or HTML content.
	ErrEmptyContent = errors.New("title, text content, and html content are required")

	// ErrInvalidEmail is returned when a signup address fails validation.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrEmptyName is returned when a signup request has a blank name.
	ErrEmptyName = errors.New("name is required")

	// ErrDuplicateSubscriber is returned when the address is already
	// subscribed.
	ErrDuplicateSubscriber = errors.New("email already subscribed")

	// ErrTokenNotFound is returned when a confirmation token does not match
	// any subscriber.
	ErrTokenNotFound = errors.New("unknown subscription token")
)
