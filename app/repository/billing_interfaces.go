package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CarePay/app/models"
)

// ErrVersionConflict is returned when an optimistic update lost against a
// concurrent writer. Callers re-read the row and observe the winner's state.
var ErrVersionConflict = errors.New("repository: version conflict")

// PaymentStats summarizes a user's settled charge history.
type PaymentStats struct {
	UserID        uint
	PaidCount     int64
	AverageAmount decimal.Decimal
	HomeCountry   string
}

// BillingRecordRepository defines the persistence surface of the billing ledger
type BillingRecordRepository interface {
	Create(ctx context.Context, record *models.BillingRecord) error
	GetByID(ctx context.Context, id string) (*models.BillingRecord, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.BillingRecord, error)
	// UpdateVersioned writes record if the stored version still equals
	// record.Version and bumps the version on success.
	UpdateVersioned(ctx context.Context, record *models.BillingRecord) error
	// Claim grants an exclusive processing lease when the record is in one of
	// statuses and no live lease exists.
	Claim(ctx context.Context, id, token string, statuses []models.BillingStatus, until, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, token string) error
	// ApplyRefund flips original and appends refund in one transaction.
	ApplyRefund(ctx context.Context, original, refund *models.BillingRecord) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error)
	ListStalled(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error)
	ListByUser(ctx context.Context, userID uint, limit int) ([]models.BillingRecord, error)
	PaymentStats(ctx context.Context, userID uint) (*PaymentStats, error)
}

// SubscriptionRepository defines subscription persistence used by suspension
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	UpdateVersioned(ctx context.Context, sub *models.Subscription) error
}

// WebhookEventRepository defines the webhook idempotency table operations
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	Save(ctx context.Context, event *models.WebhookEvent) error
	// WithLock runs fn while holding an exclusive lock on the event row and
	// persists the mutated event when fn returns nil.
	WithLock(ctx context.Context, eventID string, fn func(event *models.WebhookEvent) error) error
	ListRetryable(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	ListPermanentlyFailed(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
