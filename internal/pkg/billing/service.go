package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
)

// CreateRecordInput is the normalized input for a new charge.
type CreateRecordInput struct {
	UserID         uint
	SubscriptionID *string
	Amount         decimal.Decimal
	Currency       string
	DueDate        time.Time
	Type           models.BillingType
}

// Service manages the billing record lifecycle outside of payment processing.
type Service struct {
	records repository.BillingRecordRepository
	subs    repository.SubscriptionRepository
	cfg     Config
	now     func() time.Time
}

// NewService creates a billing service from injected repositories.
func NewService(repos *repository.Repositories, cfg Config) *Service {
	return &Service{
		records: repos.BillingRecord,
		subs:    repos.Subscription,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreateBillingRecord stores a new Pending record.
func (s *Service) CreateBillingRecord(ctx context.Context, in CreateRecordInput) (*models.BillingRecord, error) {
	if in.UserID == 0 {
		return nil, fmt.Errorf("%w: user_id is required", ErrPreconditionFailed)
	}
	if in.Type == "" {
		in.Type = models.BillingTypeConsultation
	}
	if in.Type == models.BillingTypeRefund {
		return nil, fmt.Errorf("%w: refund entries are created by refunds only", ErrPreconditionFailed)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	if in.DueDate.IsZero() {
		in.DueDate = s.now()
	}
	if in.SubscriptionID != nil {
		if _, err := s.subs.GetByID(ctx, *in.SubscriptionID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrSubscriptionNotFound
			}
			return nil, err
		}
	}

	record, err := models.NewBillingRecord(in.UserID, in.SubscriptionID, in.Amount, currency, in.DueDate, in.Type)
	if err != nil {
		return nil, err
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, err
	}
	log.Infof("[Payments] created billing record %s user=%d amount=%s %s", record.ID, record.UserID, record.Amount.StringFixed(2), record.Currency)
	return record, nil
}

func (s *Service) GetBillingRecord(ctx context.Context, id string) (*models.BillingRecord, error) {
	return loadRecord(ctx, s.records, id)
}

// EffectiveStatus reports Overdue for late Pending records.
func (s *Service) EffectiveStatus(record *models.BillingRecord) models.BillingStatus {
	return record.EffectiveStatus(s.now())
}

func (s *Service) ListOverdue(ctx context.Context, limit int) ([]models.BillingRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.records.ListOverdue(ctx, s.now(), limit)
}

// CancelBillingRecord moves a Pending record to Cancelled.
func (s *Service) CancelBillingRecord(ctx context.Context, id string) (*models.BillingRecord, error) {
	return s.mutate(ctx, id, func(r *models.BillingRecord) error {
		if r.Status != models.BillingRecordPending {
			return fmt.Errorf("%w: cannot cancel a %s record", ErrPreconditionFailed, r.Status)
		}
		return r.MarkCancelled()
	})
}

// RetryFailedRecord is the explicit manual Failed -> Pending retry. It
// resets the retry chain so the next ProcessPayment starts fresh.
func (s *Service) RetryFailedRecord(ctx context.Context, id string) (*models.BillingRecord, error) {
	return s.mutate(ctx, id, func(r *models.BillingRecord) error {
		if r.Status != models.BillingRecordFailed {
			return fmt.Errorf("%w: only failed records can be retried, got %s", ErrPreconditionFailed, r.Status)
		}
		return r.ResetForRetry()
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn func(r *models.BillingRecord) error) (*models.BillingRecord, error) {
	record, err := loadRecord(ctx, s.records, id)
	if err != nil {
		return nil, err
	}
	if record.IsClaimed(s.now()) {
		return nil, ErrPaymentInProgress
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.records.UpdateVersioned(ctx, record); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, ErrPaymentInProgress
		}
		return nil, err
	}
	return record, nil
}

func loadRecord(ctx context.Context, records repository.BillingRecordRepository, id string) (*models.BillingRecord, error) {
	record, err := records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}
