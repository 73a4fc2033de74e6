// Package email provides the outbound email capability consumed by the
// subscription flow and the delivery worker.
//
// The Client interface is intentionally narrow: a single Send. No retry or
// backoff lives here; all retry policy belongs to the delivery worker, which
// decides whether a failed task stays queued.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// Client sends one email to one recipient.
type Client interface {
	Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error
}

var payloadJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// sendRequest is the provider wire format (Postmark-compatible).
type sendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// PostmarkClient talks to a Postmark-compatible REST endpoint.
//
// Fields:
//   - BaseURL: provider endpoint, e.g. "https://api.postmarkapp.com".
//   - ServerToken: provider auth token, sent as X-Postmark-Server-Token.
//   - Sender: validated From address for all outgoing mail.
//   - HTTPClient: optional; a timeout-bounded default is used when nil.
type PostmarkClient struct {
	BaseURL     string
	ServerToken string
	Sender      domain.SubscriberEmail
	HTTPClient  *http.Client
}

// NewPostmarkClient constructs a client with a bounded request timeout.
func NewPostmarkClient(baseURL, serverToken string, sender domain.SubscriberEmail, timeout time.Duration) *PostmarkClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostmarkClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		ServerToken: serverToken,
		Sender:      sender,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// Send posts a single message to the provider. Any non-2xx response is an
// error; the caller decides whether that is worth a retry.
func (c *PostmarkClient) Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error {
	payload, err := payloadJSON.Marshal(sendRequest{
		From:     c.Sender.String(),
		To:       recipient.String(),
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return fmt.Errorf("encode email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.ServerToken)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", recipient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep a short excerpt of the provider body for diagnostics.
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
