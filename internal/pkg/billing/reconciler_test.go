package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/models"
)

func TestReconciler_Apply(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{steps: []string{stepDecline, stepDecline, stepDecline, stepDecline}}
	h := newHarness(t, gw, nil)
	rec := NewReconciler(h.repos, h.notifier, DefaultConfig())
	rec.now = h.clock.Now

	record := h.record(t, "30.00", nil)
	_, err := h.processor.ProcessPayment(ctx, record.ID, PaymentContext{})
	require.ErrorIs(t, err, ErrPaymentDeclined)
	failed := h.reload(t, record.ID)

	// the gateway later settles the last attempt
	event := &models.WebhookEvent{EventID: "evt_1", EventType: EventPaymentSucceeded, CorrelationID: failed.GatewayCorrelationID}
	meta, err := rec.Apply(ctx, event)
	require.NoError(t, err)
	assert.Contains(t, meta, "marked_paid")

	paid := h.reload(t, record.ID)
	assert.Equal(t, models.BillingRecordPaid, paid.Status)
	require.NoError(t, paid.CheckInvariants())
	assert.Empty(t, paid.ClaimToken)

	meta, err = rec.Apply(ctx, event)
	require.NoError(t, err)
	assert.Contains(t, meta, "noop")

	refund := &models.WebhookEvent{EventID: "evt_2", EventType: EventChargeRefunded, CorrelationID: paid.GatewayCorrelationID, Amount: "10.00"}
	meta, err = rec.Apply(ctx, refund)
	require.NoError(t, err)
	assert.Contains(t, meta, "marked_refunded")
	assert.Equal(t, models.BillingRecordRefunded, h.reload(t, record.ID).Status)
}

func TestReconciler_PaymentFailedEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{}, nil)
	rec := NewReconciler(h.repos, h.notifier, DefaultConfig())
	rec.now = h.clock.Now

	record := h.record(t, "30.00", nil)
	stored := h.reload(t, record.ID)
	stored.GatewayCorrelationID = "pi_async"
	require.NoError(t, h.repos.BillingRecord.UpdateVersioned(ctx, stored))

	meta, err := rec.Apply(ctx, &models.WebhookEvent{EventID: "evt_f", EventType: EventPaymentFailed, CorrelationID: "pi_async", GatewayMessage: "insufficient_funds"})
	require.NoError(t, err)
	assert.Contains(t, meta, "marked_failed")

	failed := h.reload(t, record.ID)
	assert.Equal(t, models.BillingRecordFailed, failed.Status)
	assert.Equal(t, "insufficient_funds", failed.FailureReason)
}

func TestReconciler_UnknownAndMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{}, nil)
	rec := NewReconciler(h.repos, h.notifier, DefaultConfig())

	meta, err := rec.Apply(ctx, &models.WebhookEvent{EventID: "evt_x", EventType: "customer.updated"})
	require.NoError(t, err)
	assert.Contains(t, meta, "ignored")

	_, err = rec.Apply(ctx, &models.WebhookEvent{EventID: "evt_y", EventType: EventPaymentSucceeded, CorrelationID: "pi_unknown"})
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = rec.Apply(ctx, &models.WebhookEvent{EventID: "evt_z", EventType: EventPaymentSucceeded})
	assert.Error(t, err)
}
