package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CarePay/app/models"
)

// RefundOutcome holds the flipped original and the appended refund entry.
type RefundOutcome struct {
	Original *models.BillingRecord
	Refund   *models.BillingRecord
}

// ProcessRefund refunds part or all of a Paid record. The ledger only
// changes after the gateway confirmed the refund, and then in one
// transaction.
func (p *Processor) ProcessRefund(ctx context.Context, id string, amount decimal.Decimal, reason string) (*RefundOutcome, error) {
	record, err := loadRecord(ctx, p.records, id)
	if err != nil {
		return nil, err
	}
	if record.Status != models.BillingRecordPaid {
		return nil, fmt.Errorf("%w: cannot refund a %s record", ErrPreconditionFailed, record.Status)
	}
	if record.GatewayCorrelationID == "" {
		return nil, fmt.Errorf("%w: record %s has no gateway correlation id", ErrPreconditionFailed, id)
	}
	amount = amount.Round(2)
	if !amount.IsPositive() || amount.GreaterThan(record.Amount) {
		return nil, fmt.Errorf("%w: refund %s outside (0, %s]", ErrInvalidAmount, amount.StringFixed(2), record.Amount.StringFixed(2))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested_by_customer"
	}

	token, record, err := p.claim(ctx, id, models.BillingRecordPaid)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrPaymentInProgress
	}
	defer p.release(ctx, id, token)

	res, err := p.gateway.Refund(ctx, record.GatewayCorrelationID, amount)
	if err != nil {
		log.Errorf("[Payments] record %s: refund transport error: %v", id, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if res == nil || !res.Success {
		msg := "refund declined"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		log.Warnf("[Payments] record %s: refund declined: %s", id, msg)
		return nil, fmt.Errorf("%w: %s", ErrRefundDeclined, msg)
	}

	wctx := context.WithoutCancel(ctx)
	now := p.now()
	entry := record.NewRefundEntry(amount, reason, now)
	entry.TransactionID = res.RefundID
	if err := record.MarkRefunded(reason); err != nil {
		return nil, err
	}
	record.ProcessedAt = &now
	record.ClaimToken = ""
	record.ClaimExpiresAt = nil

	if err := p.records.ApplyRefund(wctx, record, entry); err != nil {
		// the gateway already moved the money; the webhook for the refund
		// reconciles the ledger later
		log.Errorf("[Payments] record %s: gateway refund %s succeeded but ledger write failed: %v", id, res.RefundID, err)
		return nil, err
	}
	log.Infof("[Payments] record %s: refunded %s %s (entry %s)", id, amount.StringFixed(2), record.Currency, entry.ID)
	p.notified(id, "refund processed", p.notifier.SendRefundProcessed(wctx, record, entry))
	return &RefundOutcome{Original: record, Refund: entry}, nil
}
