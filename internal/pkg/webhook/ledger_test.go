package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/app/repository"
)

func newTestLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	l := NewLedger(repository.NewMemoryWebhookEventRepository(), DefaultConfig())
	l.now = func() time.Time { return now }
	return l, &now
}

func countingApplier(calls *int32, failFirst int32) Applier {
	return func(ctx context.Context, event *models.WebhookEvent) (string, error) {
		n := atomic.AddInt32(calls, 1)
		if n <= failFirst {
			return "", errors.New("record locked")
		}
		return `{"action":"marked_paid"}`, nil
	}
}

func TestHandle_ExactlyOnceOverRepeatedDeliveries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var calls int32
	apply := countingApplier(&calls, 0)

	in := EventInput{EventID: "evt_1", EventType: "payment_intent.succeeded", CorrelationID: "pi_1"}
	first, err := l.Handle(ctx, in, apply)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Applied)

	for i := 0; i < 5; i++ {
		res, err := l.Handle(ctx, in, apply)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.False(t, res.Applied)
	}
	assert.Equal(t, int32(1), calls)

	processed, err := l.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHandle_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var calls int32
	apply := countingApplier(&calls, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Handle(ctx, EventInput{EventID: "evt_dup", EventType: "payment_intent.succeeded"}, apply)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls)
}

func TestHandle_FailureThenRedrive(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var calls int32
	apply := countingApplier(&calls, 2)

	res, err := l.Handle(ctx, EventInput{EventID: "evt_r", EventType: "payment_intent.succeeded"}, apply)
	require.NoError(t, err)
	require.Error(t, res.ApplyErr)
	assert.Equal(t, 1, res.Event.RetryCount)

	applied, failed, err := l.Redrive(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, failed)

	applied, failed, err = l.Redrive(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, failed)

	retryable, err := l.GetFailedForRetry(ctx)
	require.NoError(t, err)
	assert.Empty(t, retryable)
	assert.Equal(t, int32(3), calls)
}

func TestHandle_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var calls int32
	apply := countingApplier(&calls, 100)
	in := EventInput{EventID: "evt_p", EventType: "payment_intent.succeeded"}

	_, err := l.Handle(ctx, in, apply)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, _, err := l.Redrive(ctx, apply)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(models.DefaultWebhookMaxRetries), calls, "retries stop at max")

	perm, err := l.GetPermanentlyFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, perm, 1)
	assert.Equal(t, perm[0].MaxRetries, perm[0].RetryCount)

	_, err = l.Handle(ctx, in, apply)
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	assert.Equal(t, int32(models.DefaultWebhookMaxRetries), calls)
}

func TestMarkFailed_NeverExceedsMaxAndKeepsProcessed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	_, _, err := l.Record(ctx, EventInput{EventID: "evt_m", EventType: "x"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.MarkFailed(ctx, "evt_m", "boom", 3))
	}
	ev, err := l.repo.GetByEventID(ctx, "evt_m")
	require.NoError(t, err)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, 3, ev.MaxRetries)

	require.NoError(t, l.MarkProcessed(ctx, "evt_m", 12, `{"manual":true}`))
	require.NoError(t, l.MarkFailed(ctx, "evt_m", "late failure", 3))
	ev, _ = l.repo.GetByEventID(ctx, "evt_m")
	assert.True(t, ev.Success)
	assert.Equal(t, int64(12), ev.ProcessingDurationMs)
	assert.Empty(t, ev.LastError)
}

func TestOrdering(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLedger(t)
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Minute)
		id := fmt.Sprintf("evt_%d", i)
		_, _, err := l.Record(ctx, EventInput{EventID: id, EventType: "x"})
		require.NoError(t, err)
		if i == 1 {
			continue
		}
		for j := 0; j < 5; j++ {
			require.NoError(t, l.MarkFailed(ctx, id, "boom", 5))
		}
	}
	_, _, err := l.Record(ctx, EventInput{EventID: "evt_3", EventType: "x"})
	require.NoError(t, err)

	retry, err := l.GetFailedForRetry(ctx)
	require.NoError(t, err)
	require.Len(t, retry, 2)
	assert.Equal(t, "evt_1", retry[0].EventID, "oldest first")

	perm, err := l.GetPermanentlyFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, perm, 2)
	assert.Equal(t, "evt_2", perm[0].EventID, "most recent first")
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLedger(t)
	var calls int32

	_, err := l.Handle(ctx, EventInput{EventID: "evt_old_done", EventType: "x"}, countingApplier(&calls, 0))
	require.NoError(t, err)
	_, _, err = l.Record(ctx, EventInput{EventID: "evt_old_pending", EventType: "x"})
	require.NoError(t, err)

	*now = now.Add(31 * 24 * time.Hour)
	_, err = l.Handle(ctx, EventInput{EventID: "evt_new_done", EventType: "x"}, countingApplier(&calls, 0))
	require.NoError(t, err)

	n, err := l.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.repo.GetByEventID(ctx, "evt_old_pending")
	assert.NoError(t, err, "non-terminal events survive retention")
	_, err = l.repo.GetByEventID(ctx, "evt_new_done")
	assert.NoError(t, err)
}

func TestRecord_HashFallback(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	created, ev, err := l.Record(ctx, EventInput{EventType: "x", PayloadJSON: `{"a":1}`})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, ev.EventID, "hash:")

	created, _, err = l.Record(ctx, EventInput{EventType: "x", PayloadJSON: `{"a":1}`})
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = l.Record(ctx, EventInput{EventType: "x"})
	assert.Error(t, err)
}

func TestHandle_LastRetryReportsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(repository.NewMemoryWebhookEventRepository(), Config{MaxRetries: 2, Retention: time.Hour, RedriveBatch: 10})
	var calls int32
	apply := countingApplier(&calls, 100)
	in := EventInput{EventID: "evt_last", EventType: "payment_intent.succeeded"}

	res, err := l.Handle(ctx, in, apply)
	require.NoError(t, err)
	require.Error(t, res.ApplyErr)
	assert.Equal(t, 1, res.Event.RetryCount)

	// this delivery books the final attempt
	res, err = l.Handle(ctx, in, apply)
	assert.ErrorIs(t, err, ErrPermanentlyFailed)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Event.RetryCount)
	assert.True(t, res.Event.IsPermanentlyFailed())

	// redrive finds nothing left to retry
	applied, failed, err := l.Redrive(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(2), calls)
}

func TestRedrive_CountsExhaustedAttemptAsFailed(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(repository.NewMemoryWebhookEventRepository(), Config{MaxRetries: 2, Retention: time.Hour, RedriveBatch: 10})
	var calls int32
	apply := countingApplier(&calls, 100)

	_, err := l.Handle(ctx, EventInput{EventID: "evt_rd", EventType: "payment_intent.succeeded"}, apply)
	require.NoError(t, err)

	applied, failed, err := l.Redrive(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, failed)

	perm, err := l.GetPermanentlyFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, perm, 1)
	assert.Equal(t, "evt_rd", perm[0].EventID)
}
