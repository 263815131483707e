package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
)

// handle dispatches a job to its processor. A nil error completes the job.
func (q *Queue) handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeProcessPayment, JobTypeResumePayment:
		return q.processPaymentJob(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// processPaymentJob runs one payment. Settled outcomes complete the job,
// contention and infrastructure errors hand it back to the retry path.
func (q *Queue) processPaymentJob(ctx context.Context, job *Job) error {
	if q.payments == nil {
		return fmt.Errorf("no payment processor configured")
	}
	payload, err := PaymentJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payment payload: %w", err)
	}
	if payload.RecordID == "" {
		return fmt.Errorf("payment job %s has no record id", job.ID)
	}

	var out *billing.Outcome
	if job.Type == JobTypeResumePayment {
		out, err = q.payments.ResumePayment(ctx, payload.RecordID)
	} else {
		out, err = q.payments.ProcessPayment(ctx, payload.RecordID, billing.PaymentContext{
			OriginIP: payload.OriginIP,
			Country:  payload.Country,
		})
	}
	q.countOutcome(ctx, out, err)

	switch {
	case err == nil:
		log.Infof("[JobQueue] Payment %s settled after %d attempt(s)", payload.RecordID, out.Attempts)
		return nil
	case billing.IsTerminal(err):
		log.Warnf("[JobQueue] Payment %s finished without charge: %v", payload.RecordID, err)
		return nil
	default:
		return err
	}
}

func (q *Queue) countOutcome(ctx context.Context, out *billing.Outcome, err error) {
	if q.outcomes == nil {
		return
	}
	if cerr := q.outcomes.Add(ctx, billing.OutcomeLabel(out, err), 1); cerr != nil {
		log.Debugf("[JobQueue] outcome counter: %v", cerr)
	}
}
