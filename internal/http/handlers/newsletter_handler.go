// Newsletter HTTP handlers.
//
// This file exposes the admin publishing endpoint:
//   - POST /admin/newsletters  (compose an issue and schedule delivery)
//
// Publishing is an unsafe operation with durable side effects, so it requires
// an Idempotency-Key header. The handler delegates the claim protocol and the
// outbox write to NewsletterService and emits whatever response the service
// persisted (fresh or replayed) verbatim, so N retries of the same logical
// action observe byte-identical responses and exactly one issue.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// PublishNewsletterRequest is the JSON payload for publishing an issue.
type PublishNewsletterRequest struct {
	// Title is the issue title, used as the email subject.
	Title string `json:"title" binding:"required,min=1" example:"Issue #42"`
	// TextContent is the plain-text body of the issue.
	TextContent string `json:"text_content" binding:"required,min=1"`
	// HTMLContent is the HTML body of the issue.
	HTMLContent string `json:"html_content" binding:"required,min=1"`
}

// Handlers bundles the HTTP endpoints with their service dependencies.
type Handlers struct {
	newsletterSvc   *services.NewsletterService
	subscriptionSvc *services.SubscriptionService
	lister          SubscriberLister
}

// New constructs the handler set.
func New(newsletterSvc *services.NewsletterService, subscriptionSvc *services.SubscriptionService, lister SubscriberLister) *Handlers {
	return &Handlers{
		newsletterSvc:   newsletterSvc,
		subscriptionSvc: subscriptionSvc,
		lister:          lister,
	}
}

// PublishNewsletter godoc
// @ID          publishNewsletter
// @Summary     Publish a newsletter issue
// @Description Creates a newsletter issue and schedules delivery to every confirmed subscriber.
// @Description Requires an Idempotency-Key header; retries with the same key replay the original response.
// @Tags        Newsletters
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Publishing admin user"  example(admin)
// @Param       Idempotency-Key  header  string  true  "Idempotency key (UUID recommended)"  example(11111111-1111-1111-1111-111111111111)
// @Param       body             body    handlers.PublishNewsletterRequest  true  "Issue payload"
//
// @Success     202  {object}  map[string]string             "Delivery scheduled"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse        "Same key still processing"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /admin/newsletters [post]
func (h *Handlers) PublishNewsletter(c *gin.Context) {
	ctx := c.Request.Context()

	key, present := middleware.GetIdempotencyKey(c)
	if !present {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key header required")
		return
	}

	var req PublishNewsletterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title, text_content, and html_content required")
		return
	}

	result, err := h.newsletterSvc.Publish(ctx, middleware.ResolveUserID(c), key, req.Title, req.TextContent, req.HTMLContent)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyContent):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrProcessingInFlight):
			c.Header("Retry-After", "1")
			fail(c, http.StatusConflict, ErrCodeConflict, "a request with this idempotency key is still being processed")
		default:
			fail(c, http.StatusInternalServerError, ErrCodePublishFailed, err.Error())
		}
		return
	}

	if result.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	writeSavedResponse(c, result.Response)
}
