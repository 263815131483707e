package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CarePay/app/models"
)

// The in-memory repositories back the sandbox mode (DB_DRIVER=memory) and the
// unit tests. They mirror the GORM implementations, including version checks
// and not-found errors.

type MemoryBillingRecordRepository struct {
	mu      sync.Mutex
	records map[string]models.BillingRecord
}

func NewMemoryBillingRecordRepository() *MemoryBillingRecordRepository {
	return &MemoryBillingRecordRepository{records: make(map[string]models.BillingRecord)}
}

func (r *MemoryBillingRecordRepository) Create(ctx context.Context, record *models.BillingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	record.CreatedAt, record.UpdatedAt = now, now
	r.records[record.ID] = *record
	return nil
}

func (r *MemoryBillingRecordRepository) GetByID(ctx context.Context, id string) (*models.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &record, nil
}

func (r *MemoryBillingRecordRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *models.BillingRecord
	for _, record := range r.records {
		if record.GatewayCorrelationID != correlationID || record.Type == models.BillingTypeRefund {
			continue
		}
		if found == nil || record.CreatedAt.After(found.CreatedAt) {
			rec := record
			found = &rec
		}
	}
	if found == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return found, nil
}

func (r *MemoryBillingRecordRepository) UpdateVersioned(ctx context.Context, record *models.BillingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(record)
}

func (r *MemoryBillingRecordRepository) updateLocked(record *models.BillingRecord) error {
	stored, ok := r.records[record.ID]
	if !ok || stored.Version != record.Version {
		return ErrVersionConflict
	}
	record.Version++
	record.UpdatedAt = time.Now()
	r.records[record.ID] = *record
	return nil
}

func (r *MemoryBillingRecordRepository) Claim(ctx context.Context, id, token string, statuses []models.BillingStatus, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range statuses {
		if record.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || record.IsClaimed(now) {
		return false, nil
	}
	record.ClaimToken = token
	record.ClaimExpiresAt = &until
	record.Version++
	r.records[record.ID] = record
	return true, nil
}

func (r *MemoryBillingRecordRepository) ReleaseClaim(ctx context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok || record.ClaimToken != token {
		return nil
	}
	record.ClaimToken = ""
	record.ClaimExpiresAt = nil
	record.Version++
	r.records[record.ID] = record
	return nil
}

func (r *MemoryBillingRecordRepository) ApplyRefund(ctx context.Context, original, refund *models.BillingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[refund.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	if err := r.updateLocked(original); err != nil {
		return err
	}
	now := time.Now()
	refund.CreatedAt, refund.UpdatedAt = now, now
	r.records[refund.ID] = *refund
	return nil
}

func (r *MemoryBillingRecordRepository) filter(keep func(models.BillingRecord) bool) []models.BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.BillingRecord, 0)
	for _, record := range r.records {
		if keep(record) {
			out = append(out, record)
		}
	}
	return out
}

func limitRecords(records []models.BillingRecord, limit int) []models.BillingRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func (r *MemoryBillingRecordRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	out := r.filter(func(rec models.BillingRecord) bool { return rec.IsOverdue(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return limitRecords(out, limit), nil
}

func (r *MemoryBillingRecordRepository) ListStalled(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	out := r.filter(func(rec models.BillingRecord) bool {
		if rec.Status != models.BillingRecordPending && rec.Status != models.BillingRecordFailed {
			return false
		}
		return rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) && !rec.IsClaimed(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	return limitRecords(out, limit), nil
}

func (r *MemoryBillingRecordRepository) ListByUser(ctx context.Context, userID uint, limit int) ([]models.BillingRecord, error) {
	out := r.filter(func(rec models.BillingRecord) bool { return rec.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limitRecords(out, limit), nil
}

func (r *MemoryBillingRecordRepository) PaymentStats(ctx context.Context, userID uint) (*PaymentStats, error) {
	paid := r.filter(func(rec models.BillingRecord) bool {
		return rec.UserID == userID && rec.Status == models.BillingRecordPaid && rec.Type != models.BillingTypeRefund
	})
	stats := &PaymentStats{UserID: userID, PaidCount: int64(len(paid)), AverageAmount: decimal.Zero}
	if len(paid) == 0 {
		return stats, nil
	}
	sum := decimal.Zero
	var latest *time.Time
	for _, rec := range paid {
		sum = sum.Add(rec.Amount)
		if rec.OriginCountry != "" && rec.PaidAt != nil && (latest == nil || rec.PaidAt.After(*latest)) {
			latest = rec.PaidAt
			stats.HomeCountry = rec.OriginCountry
		}
	}
	stats.AverageAmount = sum.Div(decimal.NewFromInt(int64(len(paid)))).Round(2)
	return stats, nil
}

type MemorySubscriptionRepository struct {
	mu   sync.Mutex
	subs map[string]models.Subscription
}

func NewMemorySubscriptionRepository() *MemorySubscriptionRepository {
	return &MemorySubscriptionRepository{subs: make(map[string]models.Subscription)}
}

func (r *MemorySubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	r.subs[sub.ID] = *sub
	return nil
}

func (r *MemorySubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sub, nil
}

func (r *MemorySubscriptionRepository) UpdateVersioned(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[sub.ID]
	if !ok || stored.Version != sub.Version {
		return ErrVersionConflict
	}
	sub.Version++
	r.subs[sub.ID] = *sub
	return nil
}

type MemoryWebhookEventRepository struct {
	mu     sync.Mutex
	events map[string]models.WebhookEvent
	locks  sync.Map
	nextID uint
}

func NewMemoryWebhookEventRepository() *MemoryWebhookEventRepository {
	return &MemoryWebhookEventRepository{events: make(map[string]models.WebhookEvent)}
}

func (r *MemoryWebhookEventRepository) CreateIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.events[event.EventID]; ok {
		return false, &stored, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.events[event.EventID] = *event
	stored := *event
	return true, &stored, nil
}

func (r *MemoryWebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &event, nil
}

func (r *MemoryWebhookEventRepository) Save(ctx context.Context, event *models.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.EventID] = *event
	return nil
}

func (r *MemoryWebhookEventRepository) WithLock(ctx context.Context, eventID string, fn func(event *models.WebhookEvent) error) error {
	l, _ := r.locks.LoadOrStore(eventID, &sync.Mutex{})
	rowLock := l.(*sync.Mutex)
	rowLock.Lock()
	defer rowLock.Unlock()

	event, err := r.GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	if err := fn(event); err != nil {
		return err
	}
	return r.Save(ctx, event)
}

func (r *MemoryWebhookEventRepository) list(keep func(models.WebhookEvent) bool, less func(a, b models.WebhookEvent) bool, limit int) []models.WebhookEvent {
	r.mu.Lock()
	out := make([]models.WebhookEvent, 0)
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryWebhookEventRepository) ListRetryable(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	return r.list(
		func(e models.WebhookEvent) bool { return e.IsRetryable() },
		func(a, b models.WebhookEvent) bool { return a.ReceivedAt.Before(b.ReceivedAt) },
		limit,
	), nil
}

func (r *MemoryWebhookEventRepository) ListPermanentlyFailed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	return r.list(
		func(e models.WebhookEvent) bool { return e.IsPermanentlyFailed() },
		func(a, b models.WebhookEvent) bool { return a.ReceivedAt.After(b.ReceivedAt) },
		limit,
	), nil
}

func (r *MemoryWebhookEventRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.ReceivedAt.Before(cutoff) && (e.Success || e.IsPermanentlyFailed()) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}
