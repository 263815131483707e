package controllers

import (
	"github.com/gofiber/fiber/v2"

	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

// AdminController serves operator endpoints for triage
type AdminController struct {
	ledger   *webhook.Ledger
	apply    webhook.Applier
	outcomes metrics.Counter
}

func NewAdminController(ledger *webhook.Ledger, apply webhook.Applier, outcomes metrics.Counter) *AdminController {
	return &AdminController{ledger: ledger, apply: apply, outcomes: outcomes}
}

// HandleFailedWebhooks lists permanently failed events, most recent first
func (ac *AdminController) HandleFailedWebhooks(c *fiber.Ctx) error {
	events, err := ac.ledger.GetPermanentlyFailed(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// HandleRedriveWebhooks runs one re-drive pass over retryable events
func (ac *AdminController) HandleRedriveWebhooks(c *fiber.Ctx) error {
	applied, failed, err := ac.ledger.Redrive(c.UserContext(), ac.apply)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"applied": applied, "failed": failed})
}

// HandlePaymentMetrics returns the outcome counts not yet flushed
func (ac *AdminController) HandlePaymentMetrics(c *fiber.Ctx) error {
	if ac.outcomes == nil {
		return c.JSON(fiber.Map{"outcomes": fiber.Map{}})
	}
	counts, err := ac.outcomes.Snapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"outcomes": counts})
}
