package billing

import (
	"errors"

	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
)

// OutcomeLabel maps a payment run to its counter name.
func OutcomeLabel(out *Outcome, err error) string {
	switch {
	case err == nil && out != nil && out.Idempotent:
		return metrics.OutcomeIdempotent
	case err == nil:
		return metrics.OutcomePaid
	case errors.Is(err, ErrSecurityRejected):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrPaymentInProgress):
		return metrics.OutcomeInProgress
	case errors.Is(err, ErrPaymentDeclined), errors.Is(err, ErrNoPaymentMethod):
		return metrics.OutcomeDeclined
	default:
		return metrics.OutcomeError
	}
}

// IsTerminal reports whether err is a settled business result that a
// background retry cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrNoPaymentMethod) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrSecurityRejected) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrRecordNotFound)
}
