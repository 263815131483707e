package security

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AttemptStatus is the outcome of one payment attempt in the window.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is one payment attempt seen by the gate.
type Attempt struct {
	ID     string
	At     time.Time
	Amount decimal.Decimal
	Status AttemptStatus
}

// AttemptLedger keeps recent attempts per key in a sliding window.
//
// Reserve is the only operation that grows a key and it is atomic: it prunes
// expired attempts, refuses when the key already holds limit attempts and
// otherwise appends attempt, all as one step.
type AttemptLedger interface {
	Reserve(ctx context.Context, key string, attempt Attempt, limit int, window time.Duration) (bool, error)
	Complete(ctx context.Context, key, attemptID string, status AttemptStatus) error
	Release(ctx context.Context, key, attemptID string) error
	Recent(ctx context.Context, key string, window time.Duration, now time.Time) ([]Attempt, error)
}

const keyPrefix = "carepay:attempts:"

func UserKey(userID uint) string {
	return fmt.Sprintf("%suser:%d", keyPrefix, userID)
}

func OriginKey(originIP string) string {
	return keyPrefix + "origin:" + originIP
}
