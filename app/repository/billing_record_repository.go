package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
)

type billingRecordRepository struct {
	db *gorm.DB
}

// NewBillingRecordRepository creates a billing record repository backed by GORM
func NewBillingRecordRepository(db *gorm.DB) BillingRecordRepository {
	return &billingRecordRepository{db: db}
}

func (r *billingRecordRepository) Create(ctx context.Context, record *models.BillingRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *billingRecordRepository) GetByID(ctx context.Context, id string) (*models.BillingRecord, error) {
	var record models.BillingRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *billingRecordRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.BillingRecord, error) {
	var record models.BillingRecord
	err := r.db.WithContext(ctx).
		Where("gateway_correlation_id = ? AND type <> ?", correlationID, models.BillingTypeRefund).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *billingRecordRepository) UpdateVersioned(ctx context.Context, record *models.BillingRecord) error {
	return updateVersioned(r.db.WithContext(ctx), record)
}

func updateVersioned(db *gorm.DB, record *models.BillingRecord) error {
	expected := record.Version
	record.Version = expected + 1
	res := db.Model(&models.BillingRecord{}).
		Where("id = ? AND version = ?", record.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(record)
	if res.Error != nil {
		record.Version = expected
		return res.Error
	}
	if res.RowsAffected == 0 {
		record.Version = expected
		return ErrVersionConflict
	}
	return nil
}

func (r *billingRecordRepository) Claim(ctx context.Context, id, token string, statuses []models.BillingStatus, until, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Where("id = ? AND status IN ?", id, statuses).
		Where("(claim_token = '' OR claim_token IS NULL OR claim_expires_at IS NULL OR claim_expires_at < ?)", now).
		Updates(map[string]interface{}{
			"claim_token":      token,
			"claim_expires_at": until,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *billingRecordRepository) ReleaseClaim(ctx context.Context, id, token string) error {
	return r.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]interface{}{
			"claim_token":      "",
			"claim_expires_at": nil,
			"version":          gorm.Expr("version + 1"),
		}).Error
}

func (r *billingRecordRepository) ApplyRefund(ctx context.Context, original, refund *models.BillingRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateVersioned(tx, original); err != nil {
			return err
		}
		return tx.Create(refund).Error
	})
}

func (r *billingRecordRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	var records []models.BillingRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", models.BillingRecordPending, now).
		Order("due_date ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *billingRecordRepository) ListStalled(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	var records []models.BillingRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
			[]models.BillingStatus{models.BillingRecordPending, models.BillingRecordFailed}, now).
		Where("(claim_token = '' OR claim_token IS NULL OR claim_expires_at IS NULL OR claim_expires_at < ?)", now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *billingRecordRepository) ListByUser(ctx context.Context, userID uint, limit int) ([]models.BillingRecord, error) {
	var records []models.BillingRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *billingRecordRepository) PaymentStats(ctx context.Context, userID uint) (*PaymentStats, error) {
	var agg struct {
		PaidCount     int64
		AverageAmount decimal.NullDecimal
	}
	err := r.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Select("COUNT(*) AS paid_count, AVG(amount) AS average_amount").
		Where("user_id = ? AND status = ? AND type <> ?", userID, models.BillingRecordPaid, models.BillingTypeRefund).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	stats := &PaymentStats{UserID: userID, PaidCount: agg.PaidCount, AverageAmount: decimal.Zero}
	if agg.AverageAmount.Valid {
		stats.AverageAmount = agg.AverageAmount.Decimal.Round(2)
	}

	var last models.BillingRecord
	err = r.db.WithContext(ctx).
		Select("origin_country").
		Where("user_id = ? AND status = ? AND origin_country <> ''", userID, models.BillingRecordPaid).
		Order("paid_at DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, err
	}
	stats.HomeCountry = last.OriginCountry
	return stats, nil
}
