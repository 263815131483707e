package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
)

// Gateway event types the reconciler understands.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
)

// Reconciler applies gateway events to billing records. It runs inside the
// webhook ledger's critical section, so one event is applied at most once.
type Reconciler struct {
	records  repository.BillingRecordRepository
	notifier Notifier
	claimTTL time.Duration
	now      func() time.Time
}

func NewReconciler(repos *repository.Repositories, notifier Notifier, cfg Config) *Reconciler {
	return &Reconciler{
		records:  repos.BillingRecord,
		notifier: notifier,
		claimTTL: cfg.ClaimTTL,
		now:      time.Now,
	}
}

type reconcileResult struct {
	RecordID string `json:"record_id,omitempty"`
	Action   string `json:"action"`
	Status   string `json:"status,omitempty"`
}

func (r reconcileResult) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// Apply returns processing metadata for the webhook ledger. Errors are
// retried by the ledger's re-drive.
func (r *Reconciler) Apply(ctx context.Context, event *models.WebhookEvent) (string, error) {
	var want []models.BillingStatus
	switch event.EventType {
	case EventPaymentSucceeded:
		want = []models.BillingStatus{models.BillingRecordPending, models.BillingRecordFailed}
	case EventPaymentFailed:
		want = []models.BillingStatus{models.BillingRecordPending}
	case EventChargeRefunded:
		want = []models.BillingStatus{models.BillingRecordPaid}
	default:
		return reconcileResult{Action: "ignored"}.String(), nil
	}
	if event.CorrelationID == "" {
		return "", fmt.Errorf("event %s carries no correlation id", event.EventID)
	}

	current, err := r.records.GetByCorrelationID(ctx, event.CorrelationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: correlation %s", ErrRecordNotFound, event.CorrelationID)
		}
		return "", err
	}
	if !statusIn(current.Status, want) {
		log.Infof("[Webhooks] event %s: record %s already %s, nothing to apply", event.EventID, current.ID, current.Status)
		return reconcileResult{RecordID: current.ID, Action: "noop", Status: string(current.Status)}.String(), nil
	}

	token, record, err := acquire(ctx, r.records, current.ID, r.now(), r.claimTTL, want...)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrPaymentInProgress
	}
	defer func() {
		_ = r.records.ReleaseClaim(context.WithoutCancel(ctx), record.ID, token)
	}()

	now := r.now()
	switch event.EventType {
	case EventPaymentSucceeded:
		if err := record.MarkPaid(event.CorrelationID, now); err != nil {
			return "", err
		}
		if err := r.records.UpdateVersioned(ctx, record); err != nil {
			return "", err
		}
		if err := r.notifier.SendPaymentSuccess(ctx, record); err != nil {
			log.Warnf("[Webhooks] record %s: payment success notification failed: %v", record.ID, err)
		}
		return reconcileResult{RecordID: record.ID, Action: "marked_paid", Status: string(record.Status)}.String(), nil

	case EventPaymentFailed:
		if err := record.MarkFailed(event.GatewayMessage, event.CorrelationID, now); err != nil {
			return "", err
		}
		record.NextAttemptAt = nil
		if err := r.records.UpdateVersioned(ctx, record); err != nil {
			return "", err
		}
		if err := r.notifier.SendPaymentFailed(ctx, record, record.FailureReason); err != nil {
			log.Warnf("[Webhooks] record %s: payment failed notification failed: %v", record.ID, err)
		}
		return reconcileResult{RecordID: record.ID, Action: "marked_failed", Status: string(record.Status)}.String(), nil

	default:
		amount := record.Amount
		if event.Amount != "" {
			parsed, err := decimal.NewFromString(event.Amount)
			if err != nil {
				return "", fmt.Errorf("event %s: invalid amount %q: %w", event.EventID, event.Amount, err)
			}
			if parsed.IsPositive() && parsed.LessThanOrEqual(record.Amount) {
				amount = parsed
			}
		}
		reason := "refunded at gateway"
		entry := record.NewRefundEntry(amount, reason, now)
		if err := record.MarkRefunded(reason); err != nil {
			return "", err
		}
		record.ClaimToken = ""
		record.ClaimExpiresAt = nil
		if err := r.records.ApplyRefund(ctx, record, entry); err != nil {
			return "", err
		}
		if err := r.notifier.SendRefundProcessed(ctx, record, entry); err != nil {
			log.Warnf("[Webhooks] record %s: refund notification failed: %v", record.ID, err)
		}
		return reconcileResult{RecordID: record.ID, Action: "marked_refunded", Status: string(record.Status)}.String(), nil
	}
}

func statusIn(s models.BillingStatus, set []models.BillingStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
