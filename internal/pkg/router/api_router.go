package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/patronbox/app/controllers"
	apiv1 "github.com/ManuelReschke/patronbox/internal/api/v1"
	"github.com/ManuelReschke/patronbox/internal/pkg/constants"
	"github.com/ManuelReschke/patronbox/internal/pkg/middleware"
	"github.com/ManuelReschke/patronbox/internal/pkg/ratelimit"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute)
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	subscriptions := controllers.NewSubscriptionController(h.deps.Service, h.deps.Metrics)
	var queue controllers.SyncEnqueuer
	if h.deps.Manager != nil {
		queue = h.deps.Manager.GetQueue()
	}
	webhooks := controllers.NewWebhookController(h.deps.Service, queue, h.deps.WebhookSecret, h.deps.Metrics)

	// API v1 routes. Authenticated callers are rate limited per user; the
	// provider webhook is not limited.
	v1 := api.Group(constants.APIV1Group)
	apiServer := apiv1.NewAPIServer(subscriptions, webhooks)
	apiv1.RegisterHandlersWithOptions(v1, apiServer, apiv1.FiberServerOptions{
		BearerAuth: []fiber.Handler{
			middleware.JWTAuth(h.deps.Verifier),
			ratelimit.New(h.deps.RateLimit),
		},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
