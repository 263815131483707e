package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

const DefaultMaxRetryAttempts = 3

// Config drives the retry protocol of the payment processor.
type Config struct {
	// MaxRetryAttempts bounds retries after the first charge, so one chain
	// makes at most MaxRetryAttempts+1 gateway calls.
	MaxRetryAttempts  int
	DeclineFixedDelay time.Duration
	MaxJitter         time.Duration
	// ClaimTTL is how long a processor owns a record beyond its next
	// scheduled attempt before another worker may take over.
	ClaimTTL time.Duration
	Currency string
}

func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  DefaultMaxRetryAttempts,
		DeclineFixedDelay: time.Minute,
		MaxJitter:         30 * time.Second,
		ClaimTTL:          2 * time.Minute,
		Currency:          models.DefaultCurrency,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = env.GetEnvInt("PAYMENT_MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.DeclineFixedDelay = env.GetEnvDuration("PAYMENT_DECLINE_FIXED_DELAY", cfg.DeclineFixedDelay)
	cfg.MaxJitter = env.GetEnvDuration("PAYMENT_RETRY_MAX_JITTER", cfg.MaxJitter)
	cfg.ClaimTTL = env.GetEnvDuration("PAYMENT_CLAIM_TTL", cfg.ClaimTTL)
	cfg.Currency = strings.ToLower(env.GetEnv("PAYMENT_CURRENCY", cfg.Currency))
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}
	return cfg
}
