package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

// ErrPermanentlyFailed marks an event that exhausted its retries and waits
// for manual triage.
var ErrPermanentlyFailed = errors.New("webhook event permanently failed")

// Applier applies one gateway event and returns opaque processing metadata.
type Applier func(ctx context.Context, event *models.WebhookEvent) (string, error)

type Config struct {
	MaxRetries   int
	Retention    time.Duration
	RedriveBatch int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   models.DefaultWebhookMaxRetries,
		Retention:    30 * 24 * time.Hour,
		RedriveBatch: 100,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = env.GetEnvInt("WEBHOOK_MAX_RETRIES", cfg.MaxRetries)
	cfg.Retention = env.GetEnvDuration("WEBHOOK_RETENTION", cfg.Retention)
	cfg.RedriveBatch = env.GetEnvInt("WEBHOOK_REDRIVE_BATCH", cfg.RedriveBatch)
	return cfg
}

// EventInput is the normalized form of one gateway delivery.
type EventInput struct {
	EventID        string
	EventType      string
	CorrelationID  string
	Outcome        string
	GatewayMessage string
	Amount         string
	PayloadJSON    string
}

// Result describes what Handle did with a delivery.
type Result struct {
	Event     *models.WebhookEvent
	Created   bool
	Duplicate bool
	Applied   bool
	// ApplyErr is the applier failure booked on the event, if any.
	ApplyErr error
}

// Ledger is the idempotency and retry table for gateway events.
type Ledger struct {
	repo repository.WebhookEventRepository
	cfg  Config
	now  func() time.Time
}

func NewLedger(repo repository.WebhookEventRepository, cfg Config) *Ledger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.DefaultWebhookMaxRetries
	}
	return &Ledger{repo: repo, cfg: cfg, now: time.Now}
}

// Record inserts the event unless its id is already known.
func (l *Ledger) Record(ctx context.Context, in EventInput) (bool, *models.WebhookEvent, error) {
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		if in.PayloadJSON == "" {
			return false, nil, errors.New("event id or payload is required")
		}
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		EventID:        eventID,
		EventType:      strings.TrimSpace(in.EventType),
		CorrelationID:  strings.TrimSpace(in.CorrelationID),
		Outcome:        in.Outcome,
		GatewayMessage: in.GatewayMessage,
		Amount:         in.Amount,
		MaxRetries:     l.cfg.MaxRetries,
		ReceivedAt:     l.now(),
		Metadata:       in.PayloadJSON,
	}
	return l.repo.CreateIfNotExists(ctx, event)
}

func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	event, err := l.repo.GetByEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return event.Success, nil
}

func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, durationMs int64, metadata string) error {
	return l.repo.WithLock(ctx, eventID, func(event *models.WebhookEvent) error {
		event.MarkProcessed(durationMs, metadata, l.now())
		return nil
	})
}

// MarkFailed books a failed attempt. A processed event stays processed.
func (l *Ledger) MarkFailed(ctx context.Context, eventID, errMsg string, maxRetries int) error {
	return l.repo.WithLock(ctx, eventID, func(event *models.WebhookEvent) error {
		if event.Success {
			return nil
		}
		event.MarkFailed(errMsg, maxRetries, l.now())
		return nil
	})
}

// GetFailedForRetry lists retryable events, oldest first.
func (l *Ledger) GetFailedForRetry(ctx context.Context) ([]models.WebhookEvent, error) {
	return l.repo.ListRetryable(ctx, l.cfg.RedriveBatch)
}

// GetPermanentlyFailed lists exhausted events, most recent first.
func (l *Ledger) GetPermanentlyFailed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.repo.ListPermanentlyFailed(ctx, limit)
}

// Purge deletes terminal events received before olderThan.
func (l *Ledger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := l.repo.DeleteTerminalBefore(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[Webhooks] purged %d terminal events older than %s", n, olderThan.Format(time.RFC3339))
	}
	return n, nil
}

// PurgeExpired applies the configured retention window.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	return l.Purge(ctx, l.now().Add(-l.cfg.Retention))
}

// Handle records a delivery and applies it at most once. The success flag is
// re-checked under the row lock, and the outcome is booked in the same
// critical section.
func (l *Ledger) Handle(ctx context.Context, in EventInput, apply Applier) (*Result, error) {
	created, stored, err := l.Record(ctx, in)
	if err != nil {
		return nil, err
	}
	res := &Result{Event: stored, Created: created}
	if stored.Success {
		res.Duplicate = true
		return res, nil
	}
	if !created && stored.IsPermanentlyFailed() {
		return res, ErrPermanentlyFailed
	}
	return l.process(ctx, stored.EventID, apply, res)
}

// process applies the event under its row lock. It returns
// ErrPermanentlyFailed when the event is exhausted, including when this
// attempt used up the last retry.
func (l *Ledger) process(ctx context.Context, eventID string, apply Applier, res *Result) (*Result, error) {
	exhausted := false
	err := l.repo.WithLock(ctx, eventID, func(event *models.WebhookEvent) error {
		res.Event = event
		if event.Success {
			res.Duplicate = true
			return nil
		}
		if event.IsPermanentlyFailed() {
			res.ApplyErr = ErrPermanentlyFailed
			exhausted = true
			return nil
		}
		start := l.now()
		metadata, applyErr := apply(ctx, event)
		now := l.now()
		if applyErr != nil {
			event.MarkFailed(applyErr.Error(), l.cfg.MaxRetries, now)
			res.ApplyErr = applyErr
			exhausted = event.IsPermanentlyFailed()
			log.Warnf("[Webhooks] event %s (%s) failed attempt %d/%d: %v",
				event.EventID, event.EventType, event.RetryCount, event.MaxRetries, applyErr)
			return nil
		}
		event.MarkProcessed(now.Sub(start).Milliseconds(), metadata, now)
		res.Applied = true
		return nil
	})
	if err != nil {
		return res, err
	}
	if exhausted {
		log.Warnf("[Webhooks] event %s permanently failed, waiting for manual triage", eventID)
		return res, ErrPermanentlyFailed
	}
	return res, nil
}

// Redrive retries failed events oldest first and reports how many were
// applied and how many failed again.
func (l *Ledger) Redrive(ctx context.Context, apply Applier) (int, int, error) {
	events, err := l.GetFailedForRetry(ctx)
	if err != nil {
		return 0, 0, err
	}
	applied, failed := 0, 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return applied, failed, ctx.Err()
		}
		res, err := l.process(ctx, ev.EventID, apply, &Result{})
		if errors.Is(err, ErrPermanentlyFailed) {
			failed++
			continue
		}
		if err != nil {
			log.Errorf("[Webhooks] re-drive of %s: %v", ev.EventID, err)
			failed++
			continue
		}
		switch {
		case res.Applied:
			applied++
		case res.ApplyErr != nil:
			failed++
		}
	}
	if applied+failed > 0 {
		log.Infof("[Webhooks] re-drive: %d applied, %d failed", applied, failed)
	}
	return applied, failed, nil
}
