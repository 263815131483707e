package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CarePay/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")

	if bc := h.deps.Billing; bc != nil {
		records := v1.Group("/billing/records",
			middleware.APIKeyAuthMiddleware(h.deps.APIKeys),
			newLimiter(h.deps.Limit, h.deps.Storage))
		records.Post("/", bc.HandleCreateRecord)
		records.Get("/overdue", bc.HandleListOverdue)
		records.Get("/:id", bc.HandleGetRecord)
		records.Post("/:id/pay", bc.HandlePay)
		records.Post("/:id/refund", bc.HandleRefund)
		records.Post("/:id/cancel", bc.HandleCancel)
		records.Post("/:id/retry", bc.HandleRetry)
	}

	if ac := h.deps.Admin; ac != nil {
		admin := v1.Group("/admin", middleware.APIKeyAuthMiddleware(h.deps.AdminKeys))
		admin.Get("/webhooks/failed", ac.HandleFailedWebhooks)
		admin.Post("/webhooks/redrive", ac.HandleRedriveWebhooks)
		admin.Get("/metrics/payments", ac.HandlePaymentMetrics)
	}
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
