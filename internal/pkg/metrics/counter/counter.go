package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const paymentOutcomesKey = "carepay:counters:payments"

// Outcome names counted per payment run.
const (
	OutcomePaid       = "paid"
	OutcomeIdempotent = "idempotent"
	OutcomeDeclined   = "declined"
	OutcomeRejected   = "rejected"
	OutcomeInProgress = "in_progress"
	OutcomeError      = "error"
	OutcomeRefunded   = "refunded"
	OutcomeSuspended  = "suspended"
)

// Counter accumulates payment outcome counts until they are drained.
type Counter interface {
	Add(ctx context.Context, outcome string, delta int64) error
	Snapshot(ctx context.Context) (map[string]int64, error)
	Drain(ctx context.Context) (map[string]int64, error)
}

// RedisCounter keeps pending counts in one Redis hash.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Add(ctx context.Context, outcome string, delta int64) error {
	return c.client.HIncrBy(ctx, paymentOutcomesKey, outcome, delta).Err()
}

func (c *RedisCounter) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, paymentOutcomesKey).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

// Drain moves the hash to a temporary key with RENAME so increments that
// arrive while draining land in a fresh hash.
func (c *RedisCounter) Drain(ctx context.Context) (map[string]int64, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", paymentOutcomesKey, time.Now().UnixNano())
	if err := c.client.Rename(ctx, paymentOutcomesKey, tmpKey).Err(); err != nil {
		if err == redis.Nil || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return map[string]int64{}, nil
		}
		return nil, err
	}
	defer c.client.Del(ctx, tmpKey)

	data, err := c.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

func parseCounts(data map[string]string) map[string]int64 {
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		out[k] = n
	}
	return out
}

// MemoryCounter is the process-local Counter used without Redis.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Add(ctx context.Context, outcome string, delta int64) error {
	c.mu.Lock()
	c.counts[outcome] += delta
	c.mu.Unlock()
	return nil
}

func (c *MemoryCounter) Snapshot(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out, nil
}

func (c *MemoryCounter) Drain(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.counts
	c.counts = make(map[string]int64)
	return out, nil
}
