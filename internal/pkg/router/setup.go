package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
	"github.com/ManuelReschke/patronbox/internal/pkg/middleware"
	"github.com/ManuelReschke/patronbox/internal/pkg/ratelimit"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the services the routes are wired to.
type Dependencies struct {
	Service  *billing.Service
	Metrics  *metrics.Metrics
	Verifier *middleware.TokenVerifier
	// Manager is optional; without it webhooks sync inline and the admin
	// queue routes are not mounted.
	Manager       *jobqueue.Manager
	WebhookSecret string
	RateLimit     ratelimit.Config
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes first so /metrics and /healthz bypass the API limiter.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
