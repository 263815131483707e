package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/security"
)

const (
	stepOK      = "ok"
	stepDecline = "decline"
	stepError   = "error"
)

var errConnReset = errors.New("connection reset by peer")

type fakeGateway struct {
	mu        sync.Mutex
	noMethod  bool
	steps     []string
	calls     int
	delay     time.Duration
	refunds   int
	refundErr error
	refundNo  bool
}

func (g *fakeGateway) GetDefaultPaymentMethod(ctx context.Context, ownerID uint) (*PaymentMethod, error) {
	if g.noMethod {
		return nil, nil
	}
	return &PaymentMethod{ID: fmt.Sprintf("pm_%d", ownerID), OwnerID: ownerID}, nil
}

func (g *fakeGateway) Charge(ctx context.Context, method *PaymentMethod, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	step := stepOK
	if i < len(g.steps) {
		step = g.steps[i]
	}
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	switch step {
	case stepDecline:
		return &ChargeResult{Success: false, CorrelationID: fmt.Sprintf("pi_%d", i+1), Message: "card_declined"}, nil
	case stepError:
		return nil, errConnReset
	default:
		return &ChargeResult{Success: true, CorrelationID: fmt.Sprintf("pi_%d", i+1)}, nil
	}
}

func (g *fakeGateway) Refund(ctx context.Context, correlationID string, amount decimal.Decimal) (*RefundResult, error) {
	g.mu.Lock()
	g.refunds++
	g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if g.refundNo {
		return &RefundResult{Success: false, Message: "charge already disputed"}, nil
	}
	return &RefundResult{Success: true, RefundID: "re_" + correlationID}, nil
}

func (g *fakeGateway) chargeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu        sync.Mutex
	success   int
	failed    int
	suspended int
	refunded  int
}

func (n *fakeNotifier) SendPaymentSuccess(ctx context.Context, record *models.BillingRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.success++
	return nil
}

func (n *fakeNotifier) SendPaymentFailed(ctx context.Context, record *models.BillingRecord, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
	return nil
}

func (n *fakeNotifier) SendSubscriptionSuspended(ctx context.Context, sub *models.Subscription, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.suspended++
	return nil
}

func (n *fakeNotifier) SendRefundProcessed(ctx context.Context, original, refund *models.BillingRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunded++
	// notification failures must not matter
	return errors.New("smtp unavailable")
}

type allowGate struct {
	mu       sync.Mutex
	outcomes []bool
	released int
}

func (g *allowGate) Evaluate(ctx context.Context, req security.PaymentRequest) (*security.Decision, error) {
	return &security.Decision{Approved: true, AttemptID: uuid.New().String()}, nil
}

func (g *allowGate) RecordOutcome(ctx context.Context, d *security.Decision, successful bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, successful)
	return nil
}

func (g *allowGate) Release(ctx context.Context, d *security.Decision) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	repos     *repository.Repositories
	gateway   *fakeGateway
	notifier  *fakeNotifier
	clock     *fakeClock
	processor *Processor
	service   *Service

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, gw *fakeGateway, gate PaymentGate) *harness {
	t.Helper()
	if gate == nil {
		gate = &allowGate{}
	}
	h := &harness{
		repos:    repository.NewMemoryRepositories(),
		gateway:  gw,
		notifier: &fakeNotifier{},
		clock:    &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	h.processor = NewProcessor(h.repos, gw, h.notifier, gate, DefaultConfig())
	h.processor.now = h.clock.Now
	h.processor.jitter = func(max time.Duration) time.Duration { return 10 * time.Second }
	h.processor.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		h.clock.Advance(d)
		return nil
	}
	h.service = NewService(h.repos, DefaultConfig())
	h.service.now = h.clock.Now
	return h
}

func (h *harness) subscription(t *testing.T) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		ID:      uuid.New().String(),
		UserID:  7,
		PlanRef: "care-plus-monthly",
		Status:  models.SubscriptionStatusActive,
		Version: 1,
	}
	require.NoError(t, h.repos.Subscription.Create(context.Background(), sub))
	return sub
}

func (h *harness) record(t *testing.T, amount string, sub *models.Subscription) *models.BillingRecord {
	t.Helper()
	in := CreateRecordInput{
		UserID:  7,
		Amount:  decimal.RequireFromString(amount),
		DueDate: h.clock.Now().Add(72 * time.Hour),
		Type:    models.BillingTypeSubscription,
	}
	if sub != nil {
		in.SubscriptionID = &sub.ID
	}
	record, err := h.service.CreateBillingRecord(context.Background(), in)
	require.NoError(t, err)
	return record
}

func (h *harness) reload(t *testing.T, id string) *models.BillingRecord {
	t.Helper()
	record, err := h.repos.BillingRecord.GetByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func (h *harness) sleepLog() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}
