package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the controllers so the JSON shapes stay in one place
	"github.com/ManuelReschke/patronbox/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	subscriptions *controllers.SubscriptionController
	webhooks      *controllers.WebhookController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(subscriptions *controllers.SubscriptionController, webhooks *controllers.WebhookController) *APIServer {
	return &APIServer{subscriptions: subscriptions, webhooks: webhooks}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostSubscriptionAction runs one subscription action for the bearer token's user.
// Security is enforced via the JWT middleware attached in the router.
func (s *APIServer) PostSubscriptionAction(c *fiber.Ctx) error {
	return s.subscriptions.HandleAction(c)
}

// PostStripeWebhook receives provider events. It is unauthenticated; the
// controller verifies the Stripe-Signature header.
func (s *APIServer) PostStripeWebhook(c *fiber.Ctx) error {
	if s.webhooks == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "webhooks are not configured"})
	}
	return s.webhooks.HandleStripeWebhook(c)
}
