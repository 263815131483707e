package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
	"github.com/ManuelReschke/CarePay/internal/pkg/middleware"
)

// LimitConfig bounds API requests per caller.
type LimitConfig struct {
	Max        int
	Expiration time.Duration
}

func LimitConfigFromEnv() LimitConfig {
	return LimitConfig{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 120),
		Expiration: env.GetEnvDuration("API_RATE_WINDOW", time.Minute),
	}
}

// NewLimiterStorage creates the Redis storage for request counters on the
// same server as the cache, using database 1 (cache uses DB 0).
func NewLimiterStorage(cacheClient *goredis.Client) fiber.Storage {
	if cacheClient == nil {
		return nil
	}
	host := "localhost"
	port := 6379
	addr := cacheClient.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	password := cacheClient.Options().Password
	if password == "" {
		password = env.GetEnv("CACHE_PASSWORD", "")
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

// newLimiter keys requests by authenticated caller, falling back to the peer IP.
func newLimiter(cfg LimitConfig, storage fiber.Storage) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 120
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if name, ok := c.Locals(middleware.KeyServiceName).(string); ok && name != "" {
				return "carepay:limit:" + name
			}
			return "carepay:limit:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too_many_requests", "message": "Rate limit exceeded"})
		},
	})
}
