package security

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

const isolatedLedgerTestRedisDB = 13

func newLedgerTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379"))
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedLedgerTestRedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := client.Ping(ctx).Result()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint at %s (%v)", addr, err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", isolatedLedgerTestRedisDB, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func TestRedisLedger_ReserveRecentComplete(t *testing.T) {
	ctx := context.Background()
	l := NewRedisLedger(newLedgerTestRedis(t))
	now := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		ok, err := l.Reserve(ctx, UserKey(1), attemptAt(fmt.Sprintf("a%d", i), now), 5, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Reserve(ctx, UserKey(1), attemptAt("a5", now), 5, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Complete(ctx, UserKey(1), "a0", AttemptFailed))
	require.NoError(t, l.Release(ctx, UserKey(1), "a1"))

	recent, err := l.Recent(ctx, UserKey(1), time.Hour, now)
	require.NoError(t, err)
	require.Len(t, recent, 4)

	byID := map[string]Attempt{}
	for _, a := range recent {
		byID[a.ID] = a
	}
	assert.Equal(t, AttemptFailed, byID["a0"].Status)
	assert.Equal(t, AttemptPending, byID["a2"].Status)
	assert.Equal(t, "50", byID["a2"].Amount.String())
}

func TestRedisLedger_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	l := NewRedisLedger(newLedgerTestRedis(t))
	now := time.Now()

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Reserve(ctx, OriginKey("198.51.100.1"), attemptAt(fmt.Sprintf("c%d", i), now), 10, time.Hour)
			if err == nil && ok {
				atomic.AddInt32(&granted, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(10), granted)
}

func TestRedisLedger_ExpiredAttemptsPruned(t *testing.T) {
	ctx := context.Background()
	l := NewRedisLedger(newLedgerTestRedis(t))
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := l.Reserve(ctx, UserKey(2), attemptAt(fmt.Sprintf("old%d", i), now.Add(-2*time.Hour)), 5, 3*time.Hour)
		require.NoError(t, err)
	}
	ok, err := l.Reserve(ctx, UserKey(2), attemptAt("new", now), 5, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
