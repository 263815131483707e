package controllers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

// gatewayEvent is the JSON envelope the payment gateway posts.
type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type" validate:"required"`
	Data struct {
		CorrelationID string `json:"correlation_id"`
		Outcome       string `json:"outcome"`
		Message       string `json:"message"`
		Amount        string `json:"amount"`
	} `json:"data"`
}

// WebhookController receives gateway events
type WebhookController struct {
	ledger *webhook.Ledger
	apply  webhook.Applier
	secret string
}

func NewWebhookController(ledger *webhook.Ledger, apply webhook.Applier, secret string) *WebhookController {
	return &WebhookController{ledger: ledger, apply: apply, secret: secret}
}

// HandleGatewayWebhook verifies, records and applies one delivery. Apply
// failures are acknowledged with 202 and re-driven from the ledger.
func (wc *WebhookController) HandleGatewayWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	if !billing.VerifyGatewaySignature(payload, c.Get(billing.SignatureHeader), wc.secret) {
		log.Warnf("[Webhooks] rejected delivery with invalid signature from %s", c.IP())
		return errorJSON(c, fiber.StatusUnauthorized, "unauthorized", "Invalid webhook signature")
	}

	var ev gatewayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "Invalid JSON body")
	}
	if err := validate.Struct(&ev); err != nil {
		return respondError(c, err)
	}

	res, err := wc.ledger.Handle(c.UserContext(), webhook.EventInput{
		EventID:        ev.ID,
		EventType:      ev.Type,
		CorrelationID:  ev.Data.CorrelationID,
		Outcome:        strings.ToLower(ev.Data.Outcome),
		GatewayMessage: ev.Data.Message,
		Amount:         ev.Data.Amount,
		PayloadJSON:    string(payload),
	}, wc.apply)
	if errors.Is(err, webhook.ErrPermanentlyFailed) {
		return c.JSON(fiber.Map{"status": "permanently_failed", "event_id": res.Event.EventID})
	}
	if err != nil {
		// non-2xx makes the gateway deliver again
		log.Errorf("[Webhooks] could not record event %s: %v", ev.ID, err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Event could not be recorded")
	}

	switch {
	case res.Duplicate:
		return c.JSON(fiber.Map{"status": "duplicate", "event_id": res.Event.EventID})
	case res.ApplyErr != nil:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":      "retry_scheduled",
			"event_id":    res.Event.EventID,
			"retry_count": res.Event.RetryCount,
		})
	default:
		return c.JSON(fiber.Map{"status": "processed", "event_id": res.Event.EventID})
	}
}
