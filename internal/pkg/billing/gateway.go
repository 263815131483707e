package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CarePay/app/models"
)

// PaymentMethod is the gateway-side stored instrument of a user.
type PaymentMethod struct {
	ID      string `json:"id"`
	OwnerID uint   `json:"owner_id"`
	Brand   string `json:"brand,omitempty"`
	Last4   string `json:"last4,omitempty"`
}

// ChargeResult is a completed gateway answer. A decline is Success=false
// with a message; transport problems are returned as errors instead.
type ChargeResult struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlation_id"`
	Message       string `json:"message,omitempty"`
}

type RefundResult struct {
	Success  bool   `json:"success"`
	RefundID string `json:"refund_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Gateway is the external payment provider.
type Gateway interface {
	// GetDefaultPaymentMethod returns nil without error when the user has none.
	GetDefaultPaymentMethod(ctx context.Context, ownerID uint) (*PaymentMethod, error)
	Charge(ctx context.Context, method *PaymentMethod, amount decimal.Decimal, currency string) (*ChargeResult, error)
	Refund(ctx context.Context, correlationID string, amount decimal.Decimal) (*RefundResult, error)
}

// Notifier delivers patient-facing messages. Failures are logged by the
// caller and never roll back billing state.
type Notifier interface {
	SendPaymentSuccess(ctx context.Context, record *models.BillingRecord) error
	SendPaymentFailed(ctx context.Context, record *models.BillingRecord, reason string) error
	SendSubscriptionSuspended(ctx context.Context, sub *models.Subscription, reason string) error
	SendRefundProcessed(ctx context.Context, original, refund *models.BillingRecord) error
}
