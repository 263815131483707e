package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CarePay/app/models"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a webhook event repository backed by GORM
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) CreateIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.GetByEventID(ctx, event.EventID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *webhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) Save(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

func (r *webhookEventRepository) WithLock(ctx context.Context, eventID string, fn func(event *models.WebhookEvent) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event models.WebhookEvent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("event_id = ?", eventID).
			First(&event).Error; err != nil {
			return err
		}
		if err := fn(&event); err != nil {
			return err
		}
		return tx.Save(&event).Error
	})
}

func (r *webhookEventRepository) ListRetryable(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	q := r.db.WithContext(ctx).
		Where("success = ? AND retry_count < max_retries", false).
		Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) ListPermanentlyFailed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	q := r.db.WithContext(ctx).
		Where("success = ? AND retry_count >= max_retries", false).
		Order("received_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("received_at < ? AND (success = ? OR retry_count >= max_retries)", cutoff, true).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
