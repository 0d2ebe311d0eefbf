package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/ManuelReschke/patronbox/internal/api/v1"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/cache"
	"github.com/ManuelReschke/patronbox/internal/pkg/constants"
	"github.com/ManuelReschke/patronbox/internal/pkg/database"
	"github.com/ManuelReschke/patronbox/internal/pkg/env"
	"github.com/ManuelReschke/patronbox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
	"github.com/ManuelReschke/patronbox/internal/pkg/middleware"
	"github.com/ManuelReschke/patronbox/internal/pkg/ratelimit"
	"github.com/ManuelReschke/patronbox/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()

	if err := manager.Start(); err != nil {
		log.Fatalf("[Main] Failed to start job queue: %v", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Main] Server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("[Main] Shutting down...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Errorf("[Main] HTTP shutdown: %v", err)
	}
	manager.Stop()
	log.Info("[Main] Bye")
}

// NewApplication wires configuration, storage, the billing service and the
// HTTP routes. The returned manager is not started yet.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/patronbox to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + apiv1.DocPath); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	if doc, err := apiv1.LoadDocument(context.Background(), basePath+apiv1.DocPath); err != nil {
		log.Warnf("[Main] OpenAPI document is invalid: %v", err)
	} else {
		log.Infof("[Main] Serving API %s v%s", doc.Info.Title, doc.Info.Version)
	}

	m := metrics.Default()
	redisClient := cache.GetClient()

	store := billing.NewCachedStore(
		billing.NewRepository(database.GetDB()),
		redisClient,
		env.GetDurationEnv("BILLING_ACCESS_CACHE_TTL_SECONDS", time.Second, time.Minute),
		m,
	)
	svc := billing.NewService(store, billing.NewStripeGatewayFromEnv(m), billing.ConfigFromEnv(),
		billing.WithMetrics(m),
		billing.WithLocker(cache.NewRedisLocker(redisClient)),
	)

	queue := jobqueue.NewQueue(redisClient, svc, env.GetIntEnv("JOBQUEUE_WORKERS", 3), m)
	manager := jobqueue.NewManager(queue, env.GetEnv("RECONCILE_SCHEDULE", ""))

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "patronbox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: constants.DocsBasePath,
		FilePath: basePath + apiv1.DocPath,
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	rateLimit := ratelimit.ConfigFromEnv()
	rateLimit.Storage = ratelimit.NewStorage(redisClient)

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Service:       svc,
		Metrics:       m,
		Verifier:      middleware.NewTokenVerifier(env.GetEnv("JWT_SECRET", "")),
		Manager:       manager,
		WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		RateLimit:     rateLimit,
	})

	return app, manager
}
