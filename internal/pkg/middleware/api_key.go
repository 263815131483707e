package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/lo"

	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

// KeyServiceName is the Locals key holding the authenticated caller label.
const KeyServiceName = "SERVICE_NAME"

// APIKeyAuthMiddleware authenticates requests carrying one of keys in the
// X-API-Key header or as a bearer token. Keys may be given as name:key.
func APIKeyAuthMiddleware(keys []string) fiber.Handler {
	type entry struct {
		name string
		sum  [32]byte
	}
	entries := lo.FilterMap(keys, func(raw string, i int) (entry, bool) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return entry{}, false
		}
		name := "service"
		if n, k, ok := strings.Cut(raw, ":"); ok && n != "" && k != "" {
			name, raw = n, k
		}
		return entry{name: name, sum: sha256.Sum256([]byte(raw))}, true
	})
	if len(entries) == 0 {
		log.Warn("[Auth] no API keys configured, every API request will be rejected")
	}

	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		sum := sha256.Sum256([]byte(apiKey))
		for _, e := range entries {
			if subtle.ConstantTimeCompare(sum[:], e.sum[:]) == 1 {
				c.Locals(KeyServiceName, e.name)
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
	}
}

// KeysFromEnv reads a comma separated key list.
func KeysFromEnv(name string) []string {
	return strings.Split(env.GetEnv(name, ""), ",")
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
