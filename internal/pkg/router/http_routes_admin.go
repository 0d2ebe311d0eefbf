package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/patronbox/app/controllers"
	"github.com/ManuelReschke/patronbox/internal/pkg/constants"
	"github.com/ManuelReschke/patronbox/internal/pkg/middleware"
)

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	if h.deps.Manager == nil {
		return
	}
	queueController := controllers.NewAdminQueueController(h.deps.Manager)

	adminGroup := app.Group(constants.AdminRoute, middleware.JWTAuth(h.deps.Verifier), middleware.RequireAdmin)
	adminGroup.Get("/queue", queueController.HandleQueueStats)
	adminGroup.Get("/queue/jobs/:id", queueController.HandleGetJob)
	adminGroup.Post("/reconcile", queueController.HandleTriggerReconcile)
}
