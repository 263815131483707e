package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/models"
)

func TestCreateBillingRecord_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{}, nil)

	_, err := h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 0, Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(-10)})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(10), Type: models.BillingTypeRefund})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	missing := "does-not-exist"
	_, err = h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(10), SubscriptionID: &missing})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	record, err := h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.RequireFromString("12.345"), Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "eur", record.Currency)
	assert.Equal(t, models.BillingTypeConsultation, record.Type)
	assert.Equal(t, "12.35", record.Amount.StringFixed(2))
	assert.Equal(t, models.BillingRecordPending, record.Status)
}

func TestOverdueClassification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{}, nil)
	now := h.clock.Now()

	late, err := h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(10), DueDate: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(10), DueDate: now.Add(time.Hour)})
	require.NoError(t, err)
	latePaid, err := h.service.CreateBillingRecord(ctx, CreateRecordInput{UserID: 7, Amount: decimal.NewFromInt(10), DueDate: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = h.processor.ProcessPayment(ctx, latePaid.ID, PaymentContext{})
	require.NoError(t, err)

	overdue, err := h.service.ListOverdue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
	assert.Equal(t, models.BillingRecordOverdue, h.service.EffectiveStatus(&overdue[0]))
	assert.Equal(t, models.BillingRecordPending, overdue[0].Status, "overdue is never stored")

	paid := h.reload(t, latePaid.ID)
	assert.Equal(t, models.BillingRecordPaid, h.service.EffectiveStatus(paid))
}

func TestCancelAndManualRetry(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{noMethod: true}
	h := newHarness(t, gw, nil)

	record := h.record(t, "10.00", nil)
	_, err := h.service.RetryFailedRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = h.processor.ProcessPayment(ctx, record.ID, PaymentContext{})
	require.ErrorIs(t, err, ErrNoPaymentMethod)

	_, err = h.service.CancelBillingRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrPreconditionFailed, "failed records cannot be cancelled")

	retried, err := h.service.RetryFailedRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingRecordPending, retried.Status)
	assert.Empty(t, retried.FailureReason)
	assert.Zero(t, retried.AttemptCount)

	gw.noMethod = false
	out, err := h.processor.ProcessPayment(ctx, record.ID, PaymentContext{})
	require.NoError(t, err)
	assert.True(t, out.Paid)

	_, err = h.service.CancelBillingRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestCancelRejectsClaimedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{}, nil)
	record := h.record(t, "10.00", nil)

	ok, err := h.repos.BillingRecord.Claim(ctx, record.ID, "other-worker", []models.BillingStatus{models.BillingRecordPending},
		h.clock.Now().Add(time.Minute), h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.service.CancelBillingRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrPaymentInProgress)

	_, err = h.processor.ProcessPayment(ctx, record.ID, PaymentContext{})
	assert.ErrorIs(t, err, ErrPaymentInProgress)
}
