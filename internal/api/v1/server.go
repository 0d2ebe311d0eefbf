package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong is the response of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations documented in public/docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /subscriptions/actions)
	PostSubscriptionAction(c *fiber.Ctx) error
	// (POST /webhooks/stripe)
	PostStripeWebhook(c *fiber.Ctx) error
}

// FiberServerOptions configures RegisterHandlersWithOptions.
type FiberServerOptions struct {
	// BearerAuth runs before every operation secured with bearerAuth.
	BearerAuth []fiber.Handler
}

// RegisterHandlers mounts the operations without authentication middleware.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions mounts every operation on router.
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	secured := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, options.BearerAuth...), h)
	}

	router.Get("/ping", si.GetPing)
	router.Post("/subscriptions/actions", secured(si.PostSubscriptionAction)...)
	router.Post("/webhooks/stripe", si.PostStripeWebhook)
}
