package security

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

// Config holds the thresholds of the payment security gate.
type Config struct {
	UserLimit   int
	OriginLimit int
	Window      time.Duration

	// Risk scoring over the attempts already in the window.
	RiskThreshold      int
	RiskCap            int
	FailedWeight       int
	LargeAmountWeight  int
	RecentWeight       int
	LargeAmount        decimal.Decimal
	RecentWindow       time.Duration
	SuspiciousAvgRatio decimal.Decimal

	MaxAvgRatio    decimal.Decimal
	AbsoluteMaxAmt decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		UserLimit:          5,
		OriginLimit:        10,
		Window:             time.Hour,
		RiskThreshold:      70,
		RiskCap:            100,
		FailedWeight:       10,
		LargeAmountWeight:  5,
		RecentWeight:       15,
		LargeAmount:        decimal.NewFromInt(1000),
		RecentWindow:       5 * time.Minute,
		SuspiciousAvgRatio: decimal.NewFromInt(3),
		MaxAvgRatio:        decimal.NewFromInt(5),
		AbsoluteMaxAmt:     decimal.NewFromInt(10000),
	}
}

// ConfigFromEnv overlays SECURITY_* variables on the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.UserLimit = env.GetEnvInt("SECURITY_USER_ATTEMPTS_PER_WINDOW", cfg.UserLimit)
	cfg.OriginLimit = env.GetEnvInt("SECURITY_ORIGIN_ATTEMPTS_PER_WINDOW", cfg.OriginLimit)
	cfg.Window = env.GetEnvDuration("SECURITY_ATTEMPT_WINDOW", cfg.Window)
	cfg.RiskThreshold = env.GetEnvInt("SECURITY_RISK_THRESHOLD", cfg.RiskThreshold)
	if v, err := decimal.NewFromString(env.GetEnv("SECURITY_LARGE_AMOUNT", "")); err == nil {
		cfg.LargeAmount = v
	}
	if v, err := decimal.NewFromString(env.GetEnv("SECURITY_MAX_AMOUNT", "")); err == nil {
		cfg.AbsoluteMaxAmt = v
	}
	return cfg
}
