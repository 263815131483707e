package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillingStatus is the stored lifecycle state of a billing record.
type BillingStatus string

const (
	BillingRecordPending   BillingStatus = "pending"
	BillingRecordPaid      BillingStatus = "paid"
	BillingRecordFailed    BillingStatus = "failed"
	BillingRecordCancelled BillingStatus = "cancelled"
	BillingRecordRefunded  BillingStatus = "refunded"

	// BillingRecordOverdue is derived at query time and never stored.
	BillingRecordOverdue BillingStatus = "overdue"
)

// BillingType classifies what a billing record charges for.
type BillingType string

const (
	BillingTypeSubscription BillingType = "subscription"
	BillingTypeConsultation BillingType = "consultation"
	BillingTypeAdjustment   BillingType = "adjustment"
	BillingTypeRefund       BillingType = "refund"
)

// Failure kinds remembered between attempts of one retry chain.
const (
	FailureKindDecline   = "decline"
	FailureKindException = "exception"
)

const DefaultCurrency = "usd"

var (
	ErrInvalidTransition = errors.New("invalid billing status transition")
	ErrInvalidAmount     = errors.New("invalid billing amount")
)

// allowedTransitions lists stored transitions. Failed -> Paid and Failed -> Failed
// only happen while a processor holds the claim of the retry chain.
var allowedTransitions = map[BillingStatus][]BillingStatus{
	BillingRecordPending: {BillingRecordPaid, BillingRecordFailed, BillingRecordCancelled},
	BillingRecordFailed:  {BillingRecordPending, BillingRecordPaid, BillingRecordFailed},
	BillingRecordPaid:    {BillingRecordRefunded},
}

// BillingRecord is one append-only ledger entry for an intended charge or a refund.
type BillingRecord struct {
	ID                   string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID               uint            `gorm:"not null;index:idx_billing_records_user_status,priority:1" json:"user_id" validate:"required"`
	SubscriptionID       *string         `gorm:"type:varchar(36);index" json:"subscription_id,omitempty"`
	ParentRecordID       *string         `gorm:"type:varchar(36);index" json:"parent_record_id,omitempty"`
	Type                 BillingType     `gorm:"type:varchar(20);not null" json:"type" validate:"required,oneof=subscription consultation adjustment refund"`
	Amount               decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency             string          `gorm:"type:varchar(3);not null;default:'usd'" json:"currency" validate:"required,len=3,lowercase"`
	Status               BillingStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_billing_records_user_status,priority:2;index:idx_billing_records_status_due,priority:1" json:"status"`
	GatewayCorrelationID string          `gorm:"type:varchar(191);index" json:"gateway_correlation_id,omitempty"`
	PaymentIntentID      string          `gorm:"type:varchar(191)" json:"payment_intent_id,omitempty"`
	TransactionID        string          `gorm:"type:varchar(191)" json:"transaction_id,omitempty"`
	FailureReason        string          `gorm:"type:text" json:"failure_reason,omitempty"`
	RefundReason         string          `gorm:"type:text" json:"refund_reason,omitempty"`
	DueDate              time.Time       `gorm:"not null;index:idx_billing_records_status_due,priority:2" json:"due_date"`
	PaidAt               *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	ProcessedAt          *time.Time      `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	OriginIP             string          `gorm:"type:varchar(45)" json:"-"`
	OriginCountry        string          `gorm:"type:varchar(2)" json:"-"`
	AttemptCount         int             `gorm:"not null;default:0" json:"attempt_count"`
	LastFailureKind      string          `gorm:"type:varchar(16)" json:"-"`
	NextAttemptAt        *time.Time      `gorm:"type:timestamp;default:null;index" json:"next_attempt_at,omitempty"`
	ClaimToken           string          `gorm:"type:varchar(36)" json:"-"`
	ClaimExpiresAt       *time.Time      `gorm:"type:timestamp;default:null" json:"-"`
	Version              int             `gorm:"not null;default:1" json:"version"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewBillingRecord builds a validated Pending charge record.
func NewBillingRecord(userID uint, subscriptionID *string, amount decimal.Decimal, currency string, dueDate time.Time, billingType BillingType) (*BillingRecord, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	r := &BillingRecord{
		ID:             uuid.New().String(),
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Type:           billingType,
		Amount:         amount.Round(2),
		Currency:       currency,
		Status:         BillingRecordPending,
		DueDate:        dueDate,
		Version:        1,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *BillingRecord) Validate() error {
	v := validator.New()
	if err := v.Struct(r); err != nil {
		return err
	}
	if r.Type == BillingTypeRefund {
		if !r.Amount.IsNegative() {
			return fmt.Errorf("%w: refund entries must be negative", ErrInvalidAmount)
		}
		return nil
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: only refund entries may be negative", ErrInvalidAmount)
	}
	return nil
}

// CheckInvariants reports the first violated ledger invariant, if any.
func (r *BillingRecord) CheckInvariants() error {
	if (r.Status == BillingRecordPaid) != (r.PaidAt != nil) {
		return fmt.Errorf("record %s: paid_at must be set iff status is paid (status=%s)", r.ID, r.Status)
	}
	if (r.Status == BillingRecordFailed) != (r.FailureReason != "") {
		return fmt.Errorf("record %s: failure_reason must be set iff status is failed (status=%s)", r.ID, r.Status)
	}
	if r.Amount.IsNegative() && r.Type != BillingTypeRefund {
		return fmt.Errorf("record %s: negative amount on %s record", r.ID, r.Type)
	}
	return nil
}

// CanTransitionTo reports whether the stored status may move to next.
func (r *BillingRecord) CanTransitionTo(next BillingStatus) bool {
	for _, s := range allowedTransitions[r.Status] {
		if s == next {
			return true
		}
	}
	return false
}

func (r *BillingRecord) transition(next BillingStatus) error {
	if !r.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// IsOverdue is true for Pending records whose due date has passed.
func (r *BillingRecord) IsOverdue(now time.Time) bool {
	return r.Status == BillingRecordPending && r.DueDate.Before(now)
}

// EffectiveStatus returns the stored status, or Overdue for late Pending records.
func (r *BillingRecord) EffectiveStatus(now time.Time) BillingStatus {
	if r.IsOverdue(now) {
		return BillingRecordOverdue
	}
	return r.Status
}

// MarkPaid records a successful charge.
func (r *BillingRecord) MarkPaid(correlationID string, now time.Time) error {
	if err := r.transition(BillingRecordPaid); err != nil {
		return err
	}
	r.PaidAt = &now
	r.ProcessedAt = &now
	r.GatewayCorrelationID = correlationID
	r.PaymentIntentID = correlationID
	r.TransactionID = correlationID
	r.FailureReason = ""
	r.LastFailureKind = ""
	r.NextAttemptAt = nil
	return nil
}

// MarkFailed records a failed attempt. An empty reason is replaced so the
// failure invariant keeps holding.
func (r *BillingRecord) MarkFailed(reason, correlationID string, now time.Time) error {
	if err := r.transition(BillingRecordFailed); err != nil {
		return err
	}
	if reason == "" {
		reason = "payment failed"
	}
	r.FailureReason = reason
	r.ProcessedAt = &now
	if correlationID != "" {
		r.GatewayCorrelationID = correlationID
	}
	return nil
}

func (r *BillingRecord) MarkCancelled() error {
	return r.transition(BillingRecordCancelled)
}

// ResetForRetry is the explicit manual Failed -> Pending retry.
func (r *BillingRecord) ResetForRetry() error {
	if r.Status != BillingRecordFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, BillingRecordPending)
	}
	r.Status = BillingRecordPending
	r.FailureReason = ""
	r.AttemptCount = 0
	r.LastFailureKind = ""
	r.NextAttemptAt = nil
	return nil
}

func (r *BillingRecord) MarkRefunded(reason string) error {
	if err := r.transition(BillingRecordRefunded); err != nil {
		return err
	}
	r.PaidAt = nil
	r.RefundReason = reason
	return nil
}

// NewRefundEntry builds the negative-amount entry appended for a refund of r.
func (r *BillingRecord) NewRefundEntry(amount decimal.Decimal, reason string, now time.Time) *BillingRecord {
	parentID := r.ID
	return &BillingRecord{
		ID:                   uuid.New().String(),
		UserID:               r.UserID,
		SubscriptionID:       r.SubscriptionID,
		ParentRecordID:       &parentID,
		Type:                 BillingTypeRefund,
		Amount:               amount.Abs().Neg().Round(2),
		Currency:             r.Currency,
		Status:               BillingRecordRefunded,
		GatewayCorrelationID: r.GatewayCorrelationID,
		RefundReason:         reason,
		DueDate:              now,
		ProcessedAt:          &now,
		Version:              1,
	}
}

// IsClaimed reports whether another processor currently holds the record.
func (r *BillingRecord) IsClaimed(now time.Time) bool {
	return r.ClaimToken != "" && r.ClaimExpiresAt != nil && r.ClaimExpiresAt.After(now)
}
