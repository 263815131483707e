package security

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is the single-node attempt ledger. Each key owns its own
// bucket and mutex so unrelated users never contend.
type MemoryLedger struct {
	buckets sync.Map // key -> *attemptBucket
}

type attemptBucket struct {
	mu       sync.Mutex
	attempts []Attempt
	dead     bool // set by Sweep after the bucket left the map
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// lock returns the live bucket for key with its mutex held.
func (l *MemoryLedger) lock(key string) *attemptBucket {
	for {
		v, _ := l.buckets.LoadOrStore(key, &attemptBucket{})
		b := v.(*attemptBucket)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// prune drops attempts at or before the window start. Caller holds b.mu.
func (b *attemptBucket) prune(window time.Duration, now time.Time) {
	cutoff := now.Add(-window)
	kept := b.attempts[:0]
	for _, a := range b.attempts {
		if a.At.After(cutoff) {
			kept = append(kept, a)
		}
	}
	b.attempts = kept
}

func (l *MemoryLedger) Reserve(ctx context.Context, key string, attempt Attempt, limit int, window time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b := l.lock(key)
	defer b.mu.Unlock()

	b.prune(window, attempt.At)
	if len(b.attempts) >= limit {
		return false, nil
	}
	b.attempts = append(b.attempts, attempt)
	return true, nil
}

func (l *MemoryLedger) Complete(ctx context.Context, key, attemptID string, status AttemptStatus) error {
	b := l.lock(key)
	defer b.mu.Unlock()
	for i := range b.attempts {
		if b.attempts[i].ID == attemptID {
			b.attempts[i].Status = status
			return nil
		}
	}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, key, attemptID string) error {
	b := l.lock(key)
	defer b.mu.Unlock()
	for i := range b.attempts {
		if b.attempts[i].ID == attemptID {
			b.attempts = append(b.attempts[:i], b.attempts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (l *MemoryLedger) Recent(ctx context.Context, key string, window time.Duration, now time.Time) ([]Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := l.lock(key)
	defer b.mu.Unlock()
	b.prune(window, now)
	out := make([]Attempt, len(b.attempts))
	copy(out, b.attempts)
	return out, nil
}

// Sweep forgets keys whose window is empty.
func (l *MemoryLedger) Sweep(window time.Duration, now time.Time) int {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*attemptBucket)
		b.mu.Lock()
		b.prune(window, now)
		if len(b.attempts) == 0 {
			b.dead = true
			l.buckets.CompareAndDelete(k, b)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}
