// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers newsletter issues.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// InsertNewsletterIssue creates a new issue row and returns its generated ID.
// A fresh UUID is always generated; issues are never deduplicated by title.
func InsertNewsletterIssue(tx *gorm.DB, title, textContent, htmlContent string) (string, error) {
	issue := &domain.NewsletterIssue{
		ID:          uuid.NewString(),
		Title:       title,
		TextContent: textContent,
		HTMLContent: htmlContent,
		PublishedAt: time.Now().UTC(),
	}
	if err := tx.Create(issue).Error; err != nil {
		return "", err
	}
	return issue.ID, nil
}

// GetIssue loads an issue by ID, or ErrNotFound.
func GetIssue(ctx context.Context, db *gorm.DB, issueID string) (*domain.NewsletterIssue, error) {
	var issue domain.NewsletterIssue
	err := db.WithContext(ctx).
		Where("newsletter_issue_id = ?", issueID).
		First(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}
