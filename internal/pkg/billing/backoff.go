package billing

import (
	"context"
	"math/rand"
	"time"

	"github.com/ManuelReschke/CarePay/app/models"
)

// BackoffDelay is the wait before retry n (1-based) given how attempt n-1
// failed. Exceptions back off 2^(n-1) minutes plus jitter, declines back off
// 2^n minutes plus the fixed decline delay.
func BackoffDelay(n int, failureKind string, cfg Config, jitter func(max time.Duration) time.Duration) time.Duration {
	if n < 1 {
		return 0
	}
	if failureKind == models.FailureKindDecline {
		return time.Duration(1<<n)*time.Minute + cfg.DeclineFixedDelay
	}
	d := time.Duration(1<<(n-1)) * time.Minute
	if jitter != nil && cfg.MaxJitter > 0 {
		d += jitter(cfg.MaxJitter)
	}
	return d
}

// ChainBudget is the longest a full retry chain can spend in backoff,
// taking the slower cause for every retry.
func ChainBudget(cfg Config) time.Duration {
	var total time.Duration
	for n := 1; n <= cfg.MaxRetryAttempts; n++ {
		decline := BackoffDelay(n, models.FailureKindDecline, cfg, nil)
		exception := BackoffDelay(n, models.FailureKindException, cfg, func(limit time.Duration) time.Duration { return limit })
		total += max(decline, exception)
	}
	return total
}

// uniformJitter returns a duration in [0, max].
func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
