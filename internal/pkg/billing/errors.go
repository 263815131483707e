package billing

import (
	"errors"

	"github.com/ManuelReschke/CarePay/app/models"
)

var (
	ErrRecordNotFound       = errors.New("billing record not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPreconditionFailed covers operations requested from a status that
	// does not allow them.
	ErrPreconditionFailed = errors.New("billing precondition failed")
	ErrInvalidTransition  = models.ErrInvalidTransition
	ErrInvalidAmount      = models.ErrInvalidAmount
	ErrPaymentInProgress  = errors.New("payment is being processed by another worker")

	ErrPaymentDeclined    = errors.New("payment declined by gateway")
	ErrRefundDeclined     = errors.New("refund declined by gateway")
	ErrNoPaymentMethod    = errors.New("no default payment method")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	ErrSecurityRejected = errors.New("payment rejected by security gate")
)
