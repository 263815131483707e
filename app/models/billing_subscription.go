package models

import "time"

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusSuspended = "suspended"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription owns a patient's plan and the suspension flag the payment
// processor flips on unrecoverable payment failure.
type Subscription struct {
	ID                    string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID                uint       `gorm:"not null;index" json:"user_id"`
	PlanRef               string     `gorm:"type:varchar(191);not null;index" json:"plan_ref"`
	Status                string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart    *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd      *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	FailedPaymentAttempts int        `gorm:"not null;default:0" json:"failed_payment_attempts"`
	LastPaymentFailedDate *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_failed_date,omitempty"`
	LastPaymentError      string     `gorm:"type:text" json:"last_payment_error,omitempty"`
	Version               int        `gorm:"not null;default:1" json:"version"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Subscription) IsSuspended() bool {
	return s.Status == SubscriptionStatusSuspended
}

// Suspend marks the subscription suspended after a terminal payment failure.
// It returns false and changes nothing when the subscription is already suspended.
func (s *Subscription) Suspend(paymentErr string, now time.Time) bool {
	if s.IsSuspended() {
		return false
	}
	s.Status = SubscriptionStatusSuspended
	s.FailedPaymentAttempts++
	s.LastPaymentFailedDate = &now
	s.LastPaymentError = paymentErr
	return true
}
