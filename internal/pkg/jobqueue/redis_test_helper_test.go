package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

const paymentQueueTestRedisDB = 14

// paymentQueueRedisAddrs lists the endpoints tried for queue tests: the
// configured cache first, then the compose service name and loopback.
func paymentQueueRedisAddrs() []string {
	hosts := lo.Uniq(lo.Compact([]string{env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1"}))
	ports := lo.Uniq(lo.Compact([]string{env.GetEnv("CACHE_PORT", ""), "6379"}))
	addrs := make([]string, 0, len(hosts)*len(ports))
	for _, host := range hosts {
		for _, port := range ports {
			addrs = append(addrs, fmt.Sprintf("%s:%s", host, port))
		}
	}
	return addrs
}

// newPaymentQueueRedis connects to the first reachable endpoint on a
// dedicated DB and flushes it around the test. Tests skip without Redis.
func newPaymentQueueRedis(t *testing.T) *redis.Client {
	t.Helper()

	passwords := lo.Uniq([]string{env.GetEnv("CACHE_PASSWORD", ""), ""})
	var lastErr error
	for _, addr := range paymentQueueRedisAddrs() {
		for _, password := range passwords {
			client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: paymentQueueTestRedisDB})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			if err != nil {
				lastErr = err
				_ = client.Close()
				continue
			}
			if err := client.FlushDB(context.Background()).Err(); err != nil {
				_ = client.Close()
				t.Fatalf("flush payment queue redis db %d: %v", paymentQueueTestRedisDB, err)
			}
			t.Cleanup(func() {
				_ = client.FlushDB(context.Background()).Err()
				_ = client.Close()
			})
			return client
		}
	}
	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return nil
}
