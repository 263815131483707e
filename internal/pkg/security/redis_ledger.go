package security

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Each key is a sorted set of attempt ids scored by unix millis, plus a hash
// "<key>:meta" holding "amount|status" per attempt id.

var reserveScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', cutoff)
for _, id in ipairs(expired) do
  redis.call('HDEL', KEYS[2], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[2], ARGV[4], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// RedisLedger shares attempt windows across API instances.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func metaKey(key string) string {
	return key + ":meta"
}

func encodeAttempt(a Attempt) string {
	return a.Amount.String() + "|" + string(a.Status)
}

func decodeAttempt(id string, score float64, raw string) Attempt {
	a := Attempt{
		ID:     id,
		At:     time.UnixMilli(int64(score)),
		Status: AttemptPending,
	}
	parts := strings.SplitN(raw, "|", 2)
	if amt, err := decimal.NewFromString(parts[0]); err == nil {
		a.Amount = amt
	}
	if len(parts) == 2 && parts[1] != "" {
		a.Status = AttemptStatus(parts[1])
	}
	return a
}

func (l *RedisLedger) Reserve(ctx context.Context, key string, attempt Attempt, limit int, window time.Duration) (bool, error) {
	res, err := reserveScript.Run(ctx, l.client, []string{key, metaKey(key)},
		attempt.At.UnixMilli(),
		window.Milliseconds(),
		limit,
		attempt.ID,
		encodeAttempt(attempt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("reserve attempt on %s: %w", key, err)
	}
	return res == 1, nil
}

func (l *RedisLedger) Complete(ctx context.Context, key, attemptID string, status AttemptStatus) error {
	raw, err := l.client.HGet(ctx, metaKey(key), attemptID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	amount := strings.SplitN(raw, "|", 2)[0]
	return completeScript.Run(ctx, l.client, []string{key, metaKey(key)}, attemptID, amount+"|"+string(status)).Err()
}

func (l *RedisLedger) Release(ctx context.Context, key, attemptID string) error {
	pipe := l.client.TxPipeline()
	pipe.ZRem(ctx, key, attemptID)
	pipe.HDel(ctx, metaKey(key), attemptID)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Recent(ctx context.Context, key string, window time.Duration, now time.Time) ([]Attempt, error) {
	cutoff := now.Add(-window).UnixMilli()
	entries, err := l.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = fmt.Sprint(e.Member)
	}
	meta, err := l.client.HMGet(ctx, metaKey(key), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Attempt, 0, len(entries))
	for i, e := range entries {
		raw, _ := meta[i].(string)
		out = append(out, decodeAttempt(ids[i], e.Score, raw))
	}
	return out, nil
}
