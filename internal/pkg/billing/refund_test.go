package billing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/models"
)

func paidRecord(t *testing.T, h *harness, amount string) *models.BillingRecord {
	t.Helper()
	record := h.record(t, amount, nil)
	_, err := h.processor.ProcessPayment(context.Background(), record.ID, PaymentContext{})
	require.NoError(t, err)
	return h.reload(t, record.ID)
}

func TestProcessRefund_AppendsNegativeEntry(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	h := newHarness(t, gw, nil)
	record := paidRecord(t, h, "100.00")

	out, err := h.processor.ProcessRefund(ctx, record.ID, decimal.RequireFromString("40.00"), "duplicate consultation")
	require.NoError(t, err)

	original := h.reload(t, record.ID)
	assert.Equal(t, models.BillingRecordRefunded, original.Status)
	assert.Nil(t, original.PaidAt)
	assert.Equal(t, "100", original.Amount.String())
	require.NoError(t, original.CheckInvariants())

	entry := h.reload(t, out.Refund.ID)
	assert.Equal(t, models.BillingTypeRefund, entry.Type)
	assert.Equal(t, models.BillingRecordRefunded, entry.Status)
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("-40.00")))
	require.NotNil(t, entry.ParentRecordID)
	assert.Equal(t, record.ID, *entry.ParentRecordID)
	assert.Equal(t, "re_pi_1", entry.TransactionID)
	require.NoError(t, entry.CheckInvariants())
	assert.Equal(t, 1, h.notifier.refunded)
}

func TestProcessRefund_GatewayFailureLeavesOriginalUntouched(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{refundErr: errConnReset}
	h := newHarness(t, gw, nil)
	record := paidRecord(t, h, "100.00")

	_, err := h.processor.ProcessRefund(ctx, record.ID, decimal.RequireFromString("40.00"), "")
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	original := h.reload(t, record.ID)
	assert.Equal(t, models.BillingRecordPaid, original.Status)
	assert.True(t, original.Amount.Equal(decimal.RequireFromString("100.00")))
	assert.Empty(t, original.ClaimToken)

	all, err := h.repos.BillingRecord.ListByUser(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "no refund entry")
}

func TestProcessRefund_DeclinedByGateway(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeGateway{refundNo: true}, nil)
	record := paidRecord(t, h, "80.00")

	_, err := h.processor.ProcessRefund(ctx, record.ID, decimal.NewFromInt(80), "")
	require.ErrorIs(t, err, ErrRefundDeclined)
	assert.Equal(t, models.BillingRecordPaid, h.reload(t, record.ID).Status)
}

func TestProcessRefund_Preconditions(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	h := newHarness(t, gw, nil)

	pending := h.record(t, "50.00", nil)
	_, err := h.processor.ProcessRefund(ctx, pending.ID, decimal.NewFromInt(10), "")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	paid := paidRecord(t, h, "50.00")
	_, err = h.processor.ProcessRefund(ctx, paid.ID, decimal.NewFromInt(51), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.processor.ProcessRefund(ctx, paid.ID, decimal.Zero, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.processor.ProcessRefund(ctx, paid.ID, decimal.NewFromInt(50), "")
	require.NoError(t, err)
	_, err = h.processor.ProcessRefund(ctx, paid.ID, decimal.NewFromInt(50), "")
	assert.ErrorIs(t, err, ErrPreconditionFailed, "refunded records cannot be refunded again")
	assert.Equal(t, 1, gw.refunds)
}
