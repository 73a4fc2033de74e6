// Subscription HTTP handlers.
//
// This file exposes the subscriber-facing endpoints:
//   - POST /subscriptions                (sign up; sends a confirmation email)
//   - GET  /subscriptions/confirm        (redeem a confirmation token)
//   - GET  /admin/subscribers            (paginated admin listing)
//
// Handlers are transport-thin: validate and normalize inputs, delegate to
// SubscriptionService, and translate sentinel errors into HTTP statuses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// SubscribeRequest is the JSON payload for signing up.
type SubscribeRequest struct {
	// Email is the address the confirmation link is sent to.
	Email string `json:"email" binding:"required,email" example:"jane@example.com"`
	// Name is the subscriber's display name.
	Name string `json:"name" binding:"required,min=1" example:"Jane Doe"`
}

// SubscribeResponse is the JSON envelope for a newly created subscriber.
type SubscribeResponse struct {
	Subscriber *domain.Subscriber `json:"subscriber"`
}

// ListSubscribersResponse contains a page of subscribers and pagination metadata.
type ListSubscribersResponse struct {
	Subscribers []domain.Subscriber `json:"subscribers"`
	Pagination  Pagination          `json:"pagination"`
}

// SubscriberLister abstracts the paginated listing queries so the handler can
// be tested without the concrete repo.
type SubscriberLister interface {
	CountSubscribers(ctx context.Context) (int64, error)
	ListSubscribersPage(ctx context.Context, offset, limit int) ([]domain.Subscriber, error)
}

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = intQuery(c, "page", defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = intQuery(c, "page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// intQuery reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Subscribe godoc
// @ID          subscribe
// @Summary     Subscribe to the newsletter
// @Description Registers a pending subscriber and sends a confirmation email.
// @Tags        Subscriptions
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.SubscribeRequest  true  "Signup payload"
//
// @Success     201  {object}  handlers.SubscribeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Already subscribed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions [post]
func (h *Handlers) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email and name required")
		return
	}

	sub, err := h.subscriptionSvc.Subscribe(ctx, req.Name, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidEmail), errors.Is(err, services.ErrEmptyName):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrDuplicateSubscriber):
			fail(c, http.StatusConflict, ErrCodeConflict, "email already subscribed")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeSubscribeFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, SubscribeResponse{Subscriber: sub})
}

// ConfirmSubscription godoc
// @ID          confirmSubscription
// @Summary     Confirm a subscription
// @Description Redeems the token from the confirmation email and marks the subscriber confirmed.
// @Tags        Subscriptions
// @Produce     json
//
// @Param       subscription_token  query  string  true  "Confirmation token"
//
// @Success     200  {object}  map[string]string
// @Failure     400  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     401  {object}  handlers.ErrorResponse  "Unknown token"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions/confirm [get]
func (h *Handlers) ConfirmSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	token := strings.TrimSpace(c.Query("subscription_token"))
	if token == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subscription_token required")
		return
	}

	if err := h.subscriptionSvc.Confirm(ctx, token); err != nil {
		switch {
		case errors.Is(err, services.ErrTokenNotFound):
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown subscription token")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeConfirmFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, gin.H{"status": "confirmed"})
}

// ListSubscribers godoc
// @ID          listSubscribers
// @Summary     List subscribers
// @Description Returns a paginated list of subscribers, newest last.
// @Tags        Subscriptions
// @Produce     json
//
// @Param       page       query  int  false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int  false "Items per page" minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListSubscribersResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /admin/subscribers [get]
func (h *Handlers) ListSubscribers(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	total, err := h.lister.CountSubscribers(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	items := []domain.Subscriber{}
	if total > 0 {
		offset := (page - 1) * pageSize
		items, err = h.lister.ListSubscribersPage(ctx, offset, pageSize)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
			return
		}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSubscribersResponse{
		Subscribers: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
