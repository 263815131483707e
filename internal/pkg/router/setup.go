package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CarePay/app/controllers"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the controllers and route settings. Storage may be nil, the
// limiter then keeps its counters in memory.
type Deps struct {
	Billing   *controllers.BillingController
	Webhooks  *controllers.WebhookController
	Admin     *controllers.AdminController
	APIKeys   []string
	AdminKeys []string
	Storage   fiber.Storage
	Limit     LimitConfig
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewApiRouter(deps), NewWebhookRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
