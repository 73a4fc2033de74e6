// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository, service, and worker layers.
package domain

import "time"

// Subscriber statuses. A subscriber starts as pending and becomes confirmed
// once they follow the confirmation link. Only confirmed subscribers receive
// newsletter issues.
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
)

// Subscriber represents one mailing-list member.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Email: unique address the subscriber signed up with.
//   - Name: display name supplied at signup.
//   - Status: pending_confirmation or confirmed.
//   - SubscribedAt: signup timestamp.
type Subscriber struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	Email        string    `json:"email"         gorm:"type:varchar(320);not null;uniqueIndex:ux_subscriptions_email"`
	Name         string    `json:"name"          gorm:"type:varchar(255);not null"`
	Status       string    `json:"status"        gorm:"type:varchar(32);not null;index;check:status IN ('pending_confirmation','confirmed')"`
	SubscribedAt time.Time `json:"subscribed_at" gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (Subscriber) TableName() string { return "subscriptions" }

// SubscriptionToken links a one-time confirmation token to a subscriber.
// Tokens are 25-character alphanumeric strings generated at signup and
// redeemed by the confirmation endpoint.
type SubscriptionToken struct {
	Token        string `gorm:"type:char(25);primaryKey"`
	SubscriberID string `gorm:"type:char(36);not null;index"`
}

// TableName implements the GORM tabler interface.
func (SubscriptionToken) TableName() string { return "subscription_tokens" }

// NewsletterIssue is one published newsletter. Issues are immutable once
// created; the delivery worker reads them when sending queued tasks.
type NewsletterIssue struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey;column:newsletter_issue_id"`
	Title       string    `json:"title"        gorm:"type:text;not null"`
	TextContent string    `json:"text_content" gorm:"type:text;not null"`
	HTMLContent string    `json:"html_content" gorm:"type:text;not null;column:html_content"`
	PublishedAt time.Time `json:"published_at" gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (NewsletterIssue) TableName() string { return "newsletter_issues" }

// DeliveryTask is one pending "send this issue to this address" obligation.
// The composite primary key doubles as the dedup constraint; there is no
// status column. A row's existence is the sole source of truth for
// "not yet delivered", and deletion is the terminal state.
type DeliveryTask struct {
	NewsletterIssueID string `gorm:"type:char(36);primaryKey;column:newsletter_issue_id"`
	SubscriberEmail   string `gorm:"type:varchar(320);primaryKey"`
}

// TableName implements the GORM tabler interface.
func (DeliveryTask) TableName() string { return "issue_delivery_queue" }
