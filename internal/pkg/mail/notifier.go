package mail

import (
	"context"
	"fmt"
	"html"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

// SendFunc matches SendMail and lets tests capture outgoing messages.
type SendFunc func(to, subject, body string) error

// Notifier sends the patient-facing billing emails.
type Notifier struct {
	send SendFunc
	// recipientPattern is formatted with the user id, e.g. "billing+%d@example.com".
	recipientPattern string
}

func NewNotifier(send SendFunc, recipientPattern string) *Notifier {
	if send == nil {
		send = SendMail
	}
	if recipientPattern == "" {
		recipientPattern = "patient-%d@localhost"
	}
	return &Notifier{send: send, recipientPattern: recipientPattern}
}

func NewNotifierFromEnv() *Notifier {
	return NewNotifier(SendMail, env.GetEnv("MAIL_RECIPIENT_PATTERN", ""))
}

func (n *Notifier) recipient(userID uint) string {
	return fmt.Sprintf(n.recipientPattern, userID)
}

func (n *Notifier) SendPaymentSuccess(ctx context.Context, record *models.BillingRecord) error {
	body := fmt.Sprintf("<p>We received your payment of %s %s.</p><p>Reference: %s</p>",
		record.Amount.StringFixed(2), record.Currency, html.EscapeString(record.ID))
	return n.send(n.recipient(record.UserID), "Payment received", body)
}

func (n *Notifier) SendPaymentFailed(ctx context.Context, record *models.BillingRecord, reason string) error {
	body := fmt.Sprintf("<p>Your payment of %s %s could not be processed: %s</p><p>Reference: %s</p>",
		record.Amount.StringFixed(2), record.Currency, html.EscapeString(reason), html.EscapeString(record.ID))
	return n.send(n.recipient(record.UserID), "Payment failed", body)
}

func (n *Notifier) SendSubscriptionSuspended(ctx context.Context, sub *models.Subscription, reason string) error {
	body := fmt.Sprintf("<p>Your subscription %s was suspended after a failed payment: %s</p><p>Please update your payment method to restore access.</p>",
		html.EscapeString(sub.PlanRef), html.EscapeString(reason))
	return n.send(n.recipient(sub.UserID), "Subscription suspended", body)
}

func (n *Notifier) SendRefundProcessed(ctx context.Context, original, refund *models.BillingRecord) error {
	body := fmt.Sprintf("<p>We refunded %s %s for payment %s.</p>",
		refund.Amount.Abs().StringFixed(2), refund.Currency, html.EscapeString(original.ID))
	return n.send(n.recipient(original.UserID), "Refund processed", body)
}

// LogNotifier only writes notifications to the log. Used when no SMTP relay
// is configured.
type LogNotifier struct{}

func (LogNotifier) SendPaymentSuccess(ctx context.Context, record *models.BillingRecord) error {
	log.Infof("[Mail] payment success user=%d record=%s", record.UserID, record.ID)
	return nil
}

func (LogNotifier) SendPaymentFailed(ctx context.Context, record *models.BillingRecord, reason string) error {
	log.Infof("[Mail] payment failed user=%d record=%s: %s", record.UserID, record.ID, reason)
	return nil
}

func (LogNotifier) SendSubscriptionSuspended(ctx context.Context, sub *models.Subscription, reason string) error {
	log.Infof("[Mail] subscription suspended user=%d subscription=%s: %s", sub.UserID, sub.ID, reason)
	return nil
}

func (LogNotifier) SendRefundProcessed(ctx context.Context, original, refund *models.BillingRecord) error {
	log.Infof("[Mail] refund processed user=%d record=%s refund=%s", original.UserID, original.ID, refund.ID)
	return nil
}
