package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/security"
)

// PaymentGate is the security check run once per ProcessPayment call.
type PaymentGate interface {
	Evaluate(ctx context.Context, req security.PaymentRequest) (*security.Decision, error)
	RecordOutcome(ctx context.Context, d *security.Decision, successful bool) error
	// Release returns an approved attempt that was never charged.
	Release(ctx context.Context, d *security.Decision) error
}

// PaymentContext describes where a payment request came from.
type PaymentContext struct {
	OriginIP string
	Country  string
}

// Outcome is the result of a payment run.
type Outcome struct {
	Record     *models.BillingRecord
	Paid       bool
	Idempotent bool
	Attempts   int
	Suspended  bool
}

// Processor runs the charge protocol: gate, claim, gateway call, record
// transition, side effects and bounded retry with backoff.
type Processor struct {
	records  repository.BillingRecordRepository
	subs     repository.SubscriptionRepository
	gateway  Gateway
	notifier Notifier
	gate     PaymentGate
	cfg      Config

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func NewProcessor(repos *repository.Repositories, gateway Gateway, notifier Notifier, gate PaymentGate, cfg Config) *Processor {
	return &Processor{
		records:  repos.BillingRecord,
		subs:     repos.Subscription,
		gateway:  gateway,
		notifier: notifier,
		gate:     gate,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		jitter:   uniformJitter,
	}
}

// ProcessPayment charges a Pending record. A Paid record returns an
// idempotent success without calling the gateway.
func (p *Processor) ProcessPayment(ctx context.Context, id string, pc PaymentContext) (*Outcome, error) {
	record, err := loadRecord(ctx, p.records, id)
	if err != nil {
		return nil, err
	}
	if record.Status == models.BillingRecordPaid {
		return idempotent(record), nil
	}
	if record.Status != models.BillingRecordPending {
		return nil, fmt.Errorf("%w: cannot pay a %s record", ErrPreconditionFailed, record.Status)
	}
	if record.IsClaimed(p.now()) {
		return p.observe(ctx, id)
	}

	decision, err := p.gate.Evaluate(ctx, security.PaymentRequest{
		UserID:   record.UserID,
		Amount:   record.Amount,
		OriginIP: pc.OriginIP,
		Country:  pc.Country,
	})
	if err != nil {
		log.Errorf("[Payments] record %s: security gate unavailable: %v", id, err)
		return nil, fmt.Errorf("%w: %v", ErrSecurityRejected, err)
	}
	if !decision.Approved {
		return nil, fmt.Errorf("%w: %s", ErrSecurityRejected, decision.Reason)
	}

	token, record, err := p.claim(ctx, id, models.BillingRecordPending)
	if err != nil {
		p.releaseAttempt(ctx, id, decision)
		return nil, err
	}
	if record == nil {
		p.releaseAttempt(ctx, id, decision)
		return p.observe(ctx, id)
	}
	defer p.release(ctx, id, token)

	record.OriginIP = pc.OriginIP
	record.OriginCountry = strings.ToUpper(pc.Country)
	return p.run(ctx, record, decision)
}

// ResumePayment continues a retry chain whose processor went away. The gate
// already approved the chain when it started.
func (p *Processor) ResumePayment(ctx context.Context, id string) (*Outcome, error) {
	record, err := loadRecord(ctx, p.records, id)
	if err != nil {
		return nil, err
	}
	if record.Status == models.BillingRecordPaid {
		return idempotent(record), nil
	}
	if record.NextAttemptAt == nil ||
		(record.Status != models.BillingRecordPending && record.Status != models.BillingRecordFailed) {
		return nil, fmt.Errorf("%w: record %s has no retry chain to resume", ErrPreconditionFailed, id)
	}

	token, record, err := p.claim(ctx, id, models.BillingRecordPending, models.BillingRecordFailed)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return p.observe(ctx, id)
	}
	defer p.release(ctx, id, token)

	log.Infof("[Payments] record %s: resuming retry chain at attempt %d", id, record.AttemptCount+1)
	return p.run(ctx, record, nil)
}

func idempotent(record *models.BillingRecord) *Outcome {
	return &Outcome{Record: record, Paid: true, Idempotent: true, Attempts: record.AttemptCount}
}

func (p *Processor) claim(ctx context.Context, id string, statuses ...models.BillingStatus) (string, *models.BillingRecord, error) {
	return acquire(ctx, p.records, id, p.now(), p.cfg.ClaimTTL, statuses...)
}

// acquire takes the processing lease on a record and returns it re-read.
// A nil record without error means another worker holds it or the status
// no longer matches.
func acquire(ctx context.Context, records repository.BillingRecordRepository, id string, now time.Time, ttl time.Duration, statuses ...models.BillingStatus) (string, *models.BillingRecord, error) {
	token := uuid.New().String()
	ok, err := records.Claim(ctx, id, token, statuses, now.Add(ttl), now)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, nil
	}
	record, err := loadRecord(ctx, records, id)
	if err != nil {
		_ = records.ReleaseClaim(context.WithoutCancel(ctx), id, token)
		return "", nil, err
	}
	return token, record, nil
}

func (p *Processor) release(ctx context.Context, id, token string) {
	if err := p.records.ReleaseClaim(context.WithoutCancel(ctx), id, token); err != nil {
		log.Warnf("[Payments] record %s: release claim: %v", id, err)
	}
}

// observe re-reads a record another worker owns or just finalized.
func (p *Processor) observe(ctx context.Context, id string) (*Outcome, error) {
	record, err := loadRecord(ctx, p.records, id)
	if err != nil {
		return nil, err
	}
	if record.Status == models.BillingRecordPaid {
		return idempotent(record), nil
	}
	return &Outcome{Record: record, Attempts: record.AttemptCount}, ErrPaymentInProgress
}

func (p *Processor) retriesLeft(record *models.BillingRecord) bool {
	return record.AttemptCount <= p.cfg.MaxRetryAttempts
}

func (p *Processor) run(ctx context.Context, record *models.BillingRecord, decision *security.Decision) (*Outcome, error) {
	// writes and side effects survive cancellation of the caller
	wctx := context.WithoutCancel(ctx)
	out := &Outcome{Record: record}
	done := func(err error) (*Outcome, error) {
		out.Attempts = record.AttemptCount
		return out, err
	}

	for {
		if record.AttemptCount > p.cfg.MaxRetryAttempts {
			reason := record.FailureReason
			if reason == "" {
				reason = "retry limit reached"
			}
			if ferr := p.failTerminal(wctx, record, out, reason, record.LastFailureKind, ""); ferr != nil {
				return done(ferr)
			}
			return done(fmt.Errorf("%w: %s", ErrPaymentDeclined, reason))
		}
		if record.AttemptCount > 0 && record.NextAttemptAt != nil {
			wait := record.NextAttemptAt.Sub(p.now())
			if err := p.sleep(ctx, wait); err != nil {
				log.Warnf("[Payments] record %s: retry %d interrupted, chain stays scheduled for %s",
					record.ID, record.AttemptCount, record.NextAttemptAt.Format(time.RFC3339))
				return done(fmt.Errorf("payment %s interrupted: %w", record.ID, err))
			}
		}

		method, err := p.gateway.GetDefaultPaymentMethod(ctx, record.UserID)
		if err == nil && method == nil {
			p.recordOutcome(wctx, decision, false)
			if ferr := p.failTerminal(wctx, record, out, ErrNoPaymentMethod.Error(), "", ""); ferr != nil {
				return done(ferr)
			}
			return done(ErrNoPaymentMethod)
		}

		var result *ChargeResult
		if err == nil {
			result, err = p.gateway.Charge(ctx, method, record.Amount, record.Currency)
			if err == nil && result == nil {
				err = errors.New("gateway returned no charge result")
			}
		}
		record.AttemptCount++
		p.recordOutcome(wctx, decision, err == nil && result.Success)
		now := p.now()

		switch {
		case err != nil:
			if p.retriesLeft(record) {
				log.Warnf("[Payments] record %s: attempt %d transport error, retrying: %v", record.ID, record.AttemptCount, err)
				if perr := p.scheduleRetry(wctx, record, models.FailureKindException, now); perr != nil {
					return done(perr)
				}
				continue
			}
			log.Errorf("[Payments] record %s: attempt %d transport error, giving up: %v", record.ID, record.AttemptCount, err)
			if ferr := p.failTerminal(wctx, record, out, "gateway error: "+err.Error(), models.FailureKindException, ""); ferr != nil {
				return done(ferr)
			}
			return done(fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))

		case result.Success:
			if err := record.MarkPaid(result.CorrelationID, now); err != nil {
				return done(err)
			}
			if err := p.persist(wctx, record); err != nil {
				return done(err)
			}
			out.Paid = true
			log.Infof("[Payments] record %s: paid on attempt %d (correlation %s)", record.ID, record.AttemptCount, result.CorrelationID)
			p.notified(record.ID, "payment success", p.notifier.SendPaymentSuccess(wctx, record))
			return done(nil)

		default:
			reason := strings.TrimSpace(result.Message)
			if reason == "" {
				reason = "payment declined"
			}
			if !p.retriesLeft(record) {
				log.Warnf("[Payments] record %s: attempt %d declined, giving up: %s", record.ID, record.AttemptCount, reason)
				if ferr := p.failTerminal(wctx, record, out, reason, models.FailureKindDecline, result.CorrelationID); ferr != nil {
					return done(ferr)
				}
				return done(fmt.Errorf("%w: %s", ErrPaymentDeclined, reason))
			}
			if err := record.MarkFailed(reason, result.CorrelationID, now); err != nil {
				return done(err)
			}
			log.Warnf("[Payments] record %s: attempt %d declined, retrying: %s", record.ID, record.AttemptCount, reason)
			if perr := p.scheduleRetry(wctx, record, models.FailureKindDecline, now); perr != nil {
				return done(perr)
			}
			p.notified(record.ID, "payment failed", p.notifier.SendPaymentFailed(wctx, record, reason))
		}
	}
}

// releaseAttempt frees the gate slots of a call that lost the claim.
func (p *Processor) releaseAttempt(ctx context.Context, id string, decision *security.Decision) {
	if err := p.gate.Release(context.WithoutCancel(ctx), decision); err != nil {
		log.Warnf("[Payments] record %s: release gate attempt: %v", id, err)
	}
}

func (p *Processor) recordOutcome(ctx context.Context, decision *security.Decision, successful bool) {
	if decision == nil {
		return
	}
	if err := p.gate.RecordOutcome(ctx, decision, successful); err != nil {
		log.Warnf("[Payments] could not record attempt outcome: %v", err)
	}
}

// scheduleRetry persists the retry state before the backoff sleep and
// extends the claim past the next attempt.
func (p *Processor) scheduleRetry(ctx context.Context, record *models.BillingRecord, kind string, now time.Time) error {
	record.LastFailureKind = kind
	next := now.Add(BackoffDelay(record.AttemptCount, kind, p.cfg, p.jitter))
	record.NextAttemptAt = &next
	return p.persist(ctx, record)
}

func (p *Processor) persist(ctx context.Context, record *models.BillingRecord) error {
	if record.ClaimToken != "" {
		expires := p.now().Add(p.cfg.ClaimTTL)
		if record.NextAttemptAt != nil {
			expires = record.NextAttemptAt.Add(p.cfg.ClaimTTL)
		}
		record.ClaimExpiresAt = &expires
	}
	if err := p.records.UpdateVersioned(ctx, record); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			log.Errorf("[Payments] record %s: lost ownership during processing", record.ID)
			return ErrPaymentInProgress
		}
		return err
	}
	return nil
}

// failTerminal ends the chain in Failed, notifies, then suspends the linked
// subscription. Suspension problems are logged only.
func (p *Processor) failTerminal(ctx context.Context, record *models.BillingRecord, out *Outcome, reason, kind, correlationID string) error {
	if err := record.MarkFailed(reason, correlationID, p.now()); err != nil {
		return err
	}
	record.LastFailureKind = kind
	record.NextAttemptAt = nil
	if err := p.persist(ctx, record); err != nil {
		return err
	}
	p.notified(record.ID, "payment failed", p.notifier.SendPaymentFailed(ctx, record, reason))

	suspended, err := p.suspend(ctx, record, reason)
	if err != nil {
		log.Errorf("[Payments] record %s: suspension failed: %v", record.ID, err)
	}
	out.Suspended = suspended
	return nil
}

// suspend flips the linked subscription to suspended once. An already
// suspended subscription is left untouched.
func (p *Processor) suspend(ctx context.Context, record *models.BillingRecord, reason string) (bool, error) {
	if record.SubscriptionID == nil || *record.SubscriptionID == "" {
		return false, nil
	}
	for i := 0; i < 3; i++ {
		sub, err := p.subs.GetByID(ctx, *record.SubscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, ErrSubscriptionNotFound
			}
			return false, err
		}
		if !sub.Suspend(reason, p.now()) {
			log.Infof("[Payments] subscription %s already suspended", sub.ID)
			return false, nil
		}
		err = p.subs.UpdateVersioned(ctx, sub)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		log.Warnf("[Payments] subscription %s suspended after failed payment %s", sub.ID, record.ID)
		p.notified(record.ID, "subscription suspended", p.notifier.SendSubscriptionSuspended(ctx, sub, reason))
		return true, nil
	}
	return false, repository.ErrVersionConflict
}

func (p *Processor) notified(recordID, kind string, err error) {
	if err != nil {
		log.Warnf("[Payments] record %s: %s notification failed: %v", recordID, kind, err)
	}
}
