package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	"github.com/ManuelReschke/CarePay/internal/pkg/jobqueue"
	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
)

// PaymentProcessor is the charge and refund surface the API drives.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, id string, pc billing.PaymentContext) (*billing.Outcome, error)
	ProcessRefund(ctx context.Context, id string, amount decimal.Decimal, reason string) (*billing.RefundOutcome, error)
}

// PaymentEnqueuer hands a payment to the background workers.
type PaymentEnqueuer interface {
	EnqueuePayment(ctx context.Context, payload jobqueue.PaymentJobPayload) (*jobqueue.Job, error)
}

// BillingController serves the billing record API
type BillingController struct {
	service   *billing.Service
	processor PaymentProcessor
	queue     PaymentEnqueuer
	outcomes  metrics.Counter
}

// NewBillingController creates a billing controller. queue and outcomes may be nil.
func NewBillingController(service *billing.Service, processor PaymentProcessor, queue PaymentEnqueuer, outcomes metrics.Counter) *BillingController {
	return &BillingController{
		service:   service,
		processor: processor,
		queue:     queue,
		outcomes:  outcomes,
	}
}

type createRecordRequest struct {
	UserID         uint               `json:"user_id" validate:"required"`
	SubscriptionID *string            `json:"subscription_id" validate:"omitempty,uuid"`
	Amount         decimal.Decimal    `json:"amount"`
	Currency       string             `json:"currency" validate:"omitempty,len=3,alpha"`
	DueDate        *time.Time         `json:"due_date"`
	Type           models.BillingType `json:"type" validate:"omitempty,oneof=subscription consultation adjustment"`
}

type payRequest struct {
	Country string `json:"country" validate:"omitempty,len=2,alpha"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason" validate:"max=255"`
}

type recordResponse struct {
	*models.BillingRecord
	EffectiveStatus models.BillingStatus `json:"effective_status"`
}

func (bc *BillingController) view(r *models.BillingRecord) recordResponse {
	return recordResponse{BillingRecord: r, EffectiveStatus: bc.service.EffectiveStatus(r)}
}

func (bc *BillingController) count(ctx context.Context, outcome string) {
	if bc.outcomes == nil {
		return
	}
	if err := bc.outcomes.Add(ctx, outcome, 1); err != nil {
		log.Debugf("[HTTP] outcome counter: %v", err)
	}
}

// HandleCreateRecord creates a Pending billing record
func (bc *BillingController) HandleCreateRecord(c *fiber.Ctx) error {
	var req createRecordRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}

	in := billing.CreateRecordInput{
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Type:           req.Type,
	}
	if req.DueDate != nil {
		in.DueDate = *req.DueDate
	}

	record, err := bc.service.CreateBillingRecord(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(bc.view(record))
}

// HandleGetRecord returns one record with its effective status
func (bc *BillingController) HandleGetRecord(c *fiber.Ctx) error {
	record, err := bc.service.GetBillingRecord(c.UserContext(), paramID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(bc.view(record))
}

// HandleListOverdue lists Pending records past their due date
func (bc *BillingController) HandleListOverdue(c *fiber.Ctx) error {
	records, err := bc.service.ListOverdue(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return respondError(c, err)
	}
	items := lo.Map(records, func(r models.BillingRecord, _ int) recordResponse {
		return bc.view(&r)
	})
	return c.JSON(fiber.Map{"records": items, "count": len(items)})
}

// HandlePay charges a record, or queues the charge with ?async=1
func (bc *BillingController) HandlePay(c *fiber.Ctx) error {
	var req payRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	id := paramID(c)
	ip, country := GetClientOrigin(c)
	if req.Country != "" {
		country = strings.ToUpper(req.Country)
	}

	if c.QueryBool("async", false) {
		if bc.queue == nil {
			return errorJSON(c, fiber.StatusServiceUnavailable, "service_unavailable", "Job queue unavailable")
		}
		if _, err := bc.service.GetBillingRecord(c.UserContext(), id); err != nil {
			return respondError(c, err)
		}
		job, err := bc.queue.EnqueuePayment(c.UserContext(), jobqueue.PaymentJobPayload{RecordID: id, OriginIP: ip, Country: country})
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "record_id": id, "status": job.Status})
	}

	out, err := bc.processor.ProcessPayment(c.UserContext(), id, billing.PaymentContext{OriginIP: ip, Country: country})
	bc.count(c.UserContext(), billing.OutcomeLabel(out, err))
	if err != nil {
		return respondError(c, err)
	}
	if out.Suspended {
		bc.count(c.UserContext(), metrics.OutcomeSuspended)
	}
	return c.JSON(fiber.Map{
		"record":     bc.view(out.Record),
		"paid":       out.Paid,
		"idempotent": out.Idempotent,
		"attempts":   out.Attempts,
		"suspended":  out.Suspended,
	})
}

// HandleRefund refunds a Paid record, fully when no amount is given
func (bc *BillingController) HandleRefund(c *fiber.Ctx) error {
	var req refundRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	id := paramID(c)

	amount := decimal.Zero
	if req.Amount != nil {
		amount = *req.Amount
	} else {
		record, err := bc.service.GetBillingRecord(c.UserContext(), id)
		if err != nil {
			return respondError(c, err)
		}
		amount = record.Amount
	}

	out, err := bc.processor.ProcessRefund(c.UserContext(), id, amount, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	bc.count(c.UserContext(), metrics.OutcomeRefunded)
	return c.JSON(fiber.Map{
		"original": bc.view(out.Original),
		"refund":   bc.view(out.Refund),
	})
}

// HandleCancel cancels a Pending record
func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	record, err := bc.service.CancelBillingRecord(c.UserContext(), paramID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(bc.view(record))
}

// HandleRetry re-opens a Failed record for a new payment
func (bc *BillingController) HandleRetry(c *fiber.Ctx) error {
	record, err := bc.service.RetryFailedRecord(c.UserContext(), paramID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(bc.view(record))
}
