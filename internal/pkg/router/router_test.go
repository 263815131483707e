package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CarePay/app/controllers"
	"github.com/ManuelReschke/CarePay/app/repository"
	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	metrics "github.com/ManuelReschke/CarePay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

func newTestApp(limit LimitConfig) *fiber.App {
	repos := repository.NewMemoryRepositories()
	service := billing.NewService(repos, billing.DefaultConfig())
	ledger := webhook.NewLedger(repos.WebhookEvent, webhook.DefaultConfig())
	outcomes := metrics.NewMemoryCounter()

	app := fiber.New()
	InstallRouter(app, Deps{
		Billing:   controllers.NewBillingController(service, nil, nil, outcomes),
		Webhooks:  controllers.NewWebhookController(ledger, nil, "whsec_router"),
		Admin:     controllers.NewAdminController(ledger, nil, outcomes),
		APIKeys:   []string{"intake:svc-key"},
		AdminKeys: []string{"ops:admin-key"},
		Limit:     limit,
	})
	return app
}

func status(t *testing.T, app *fiber.App, method, path string, headers ...string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestInstallRouter_Auth(t *testing.T) {
	app := newTestApp(LimitConfig{Max: 100, Expiration: time.Minute})

	tests := []struct {
		name    string
		method  string
		path    string
		headers []string
		want    int
	}{
		{"health is public", http.MethodGet, "/api", nil, fiber.StatusOK},
		{"records without key", http.MethodGet, "/api/v1/billing/records/overdue", nil, fiber.StatusUnauthorized},
		{"records with service key", http.MethodGet, "/api/v1/billing/records/overdue", []string{"X-API-Key", "svc-key"}, fiber.StatusOK},
		{"records with bearer", http.MethodGet, "/api/v1/billing/records/overdue", []string{"Authorization", "Bearer svc-key"}, fiber.StatusOK},
		{"unknown record", http.MethodGet, "/api/v1/billing/records/missing", []string{"X-API-Key", "svc-key"}, fiber.StatusNotFound},
		{"admin with service key", http.MethodGet, "/api/v1/admin/webhooks/failed", []string{"X-API-Key", "svc-key"}, fiber.StatusUnauthorized},
		{"admin with admin key", http.MethodGet, "/api/v1/admin/webhooks/failed", []string{"X-API-Key", "admin-key"}, fiber.StatusOK},
		{"admin metrics", http.MethodGet, "/api/v1/admin/metrics/payments", []string{"X-API-Key", "admin-key"}, fiber.StatusOK},
		{"records with admin key", http.MethodGet, "/api/v1/billing/records/overdue", []string{"X-API-Key", "admin-key"}, fiber.StatusUnauthorized},
		{"webhook needs signature", http.MethodPost, "/webhooks/gateway", nil, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status(t, app, tt.method, tt.path, tt.headers...))
		})
	}
}

func TestInstallRouter_RateLimit(t *testing.T) {
	app := newTestApp(LimitConfig{Max: 2, Expiration: time.Minute})

	for i := 0; i < 2; i++ {
		assert.Equal(t, fiber.StatusOK, status(t, app, http.MethodGet, "/api/v1/billing/records/overdue", "X-API-Key", "svc-key"))
	}
	assert.Equal(t, fiber.StatusTooManyRequests, status(t, app, http.MethodGet, "/api/v1/billing/records/overdue", "X-API-Key", "svc-key"))

	// admin routes have their own budget
	assert.Equal(t, fiber.StatusOK, status(t, app, http.MethodGet, "/api/v1/admin/webhooks/failed", "X-API-Key", "admin-key"))
}

func TestNewLimiterStorage_NilClient(t *testing.T) {
	assert.Nil(t, NewLimiterStorage(nil))
}
