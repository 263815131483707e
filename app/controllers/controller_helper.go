package controllers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/ManuelReschke/CarePay/internal/pkg/billing"
	"github.com/ManuelReschke/CarePay/internal/pkg/webhook"
)

var validate = validator.New()

var errBadRequest = errors.New("invalid request body")

// paramID returns the :id route param. Fiber reuses the request buffer, so
// values kept past the handler must be copies.
func paramID(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("id"))
}

// GetClientOrigin determines the client IP (proxy aware) and the country
// hint set by the edge proxy. Both values are safe to store.
func GetClientOrigin(c *fiber.Ctx) (string, string) {
	ip, country := clientOrigin(c)
	return utils.CopyString(ip), utils.CopyString(country)
}

func clientOrigin(c *fiber.Ctx) (string, string) {
	country := strings.ToUpper(strings.TrimSpace(c.Get("CF-IPCountry")))
	if country == "XX" || country == "T1" {
		country = ""
	}

	// 1. Cloudflare
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip, country
	}
	// 2. X-Forwarded-For, first entry is the original client
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip, country
		}
	}
	// 3. direct peer, unwrapping IPv4-mapped IPv6
	ip := c.IP()
	if strings.HasPrefix(ip, "::ffff:") && strings.Contains(ip, ".") {
		ip = strings.TrimPrefix(ip, "::ffff:")
	}
	return ip, country
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// respondError maps billing and webhook errors to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", verrs.Error())
	case errors.Is(err, billing.ErrRecordNotFound), errors.Is(err, billing.ErrSubscriptionNotFound):
		return errorJSON(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errBadRequest), errors.Is(err, billing.ErrInvalidAmount):
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, billing.ErrPreconditionFailed),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrPaymentInProgress),
		errors.Is(err, webhook.ErrPermanentlyFailed):
		return errorJSON(c, fiber.StatusConflict, "conflict", err.Error())
	case errors.Is(err, billing.ErrPaymentDeclined),
		errors.Is(err, billing.ErrRefundDeclined),
		errors.Is(err, billing.ErrNoPaymentMethod):
		return errorJSON(c, fiber.StatusPaymentRequired, "payment_required", err.Error())
	case errors.Is(err, billing.ErrSecurityRejected):
		return errorJSON(c, fiber.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, billing.ErrGatewayUnavailable):
		return errorJSON(c, fiber.StatusBadGateway, "bad_gateway", err.Error())
	default:
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Internal server error")
	}
}

// bindJSON parses and validates an optional JSON body into dst.
func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(dst); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	return validate.Struct(dst)
}
