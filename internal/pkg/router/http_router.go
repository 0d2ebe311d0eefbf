package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/patronbox/internal/pkg/constants"
)

// HttpRouter serves the operational endpoints outside /api.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if h.deps.Metrics != nil {
		app.Get(constants.MetricsRoute, h.deps.Metrics.Handler())
	}

	h.registerAdminRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
