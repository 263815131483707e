package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
)

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a subscription repository backed by GORM
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) UpdateVersioned(ctx context.Context, sub *models.Subscription) error {
	expected := sub.Version
	sub.Version = expected + 1
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		sub.Version = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		sub.Version = expected
		return ErrVersionConflict
	}
	return nil
}
