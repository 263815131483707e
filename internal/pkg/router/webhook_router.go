package router

import (
	"github.com/gofiber/fiber/v2"
)

// WebhookRouter serves gateway callbacks. They carry a signature instead of
// an API key.
type WebhookRouter struct {
	deps Deps
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	if h.deps.Webhooks == nil {
		return
	}
	app.Post("/webhooks/gateway", h.deps.Webhooks.HandleGatewayWebhook)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
