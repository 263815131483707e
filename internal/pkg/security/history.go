package security

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/CarePay/app/repository"
)

// UserHistory is what the gate knows about a user's settled payments.
type UserHistory struct {
	PaidCount     int64
	AverageAmount decimal.Decimal
	HomeCountry   string
}

// HasHistory reports whether average-based checks apply.
func (h *UserHistory) HasHistory() bool {
	return h != nil && h.PaidCount > 0 && h.AverageAmount.IsPositive()
}

type HistoryProvider interface {
	History(ctx context.Context, userID uint) (*UserHistory, error)
}

// RepositoryHistory reads payment statistics from the billing ledger.
// Concurrent lookups for the same user share one query.
type RepositoryHistory struct {
	records repository.BillingRecordRepository
	group   singleflight.Group
}

func NewRepositoryHistory(records repository.BillingRecordRepository) *RepositoryHistory {
	return &RepositoryHistory{records: records}
}

func (h *RepositoryHistory) History(ctx context.Context, userID uint) (*UserHistory, error) {
	v, err, _ := h.group.Do(strconv.FormatUint(uint64(userID), 10), func() (interface{}, error) {
		stats, err := h.records.PaymentStats(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &UserHistory{
			PaidCount:     stats.PaidCount,
			AverageAmount: stats.AverageAmount,
			HomeCountry:   stats.HomeCountry,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserHistory), nil
}
