// Command reconcile runs one reconciliation sweep against the billing
// provider and prints the summary. It is meant for cron hosts and incident
// response when the server's scheduler is not running.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/cache"
	"github.com/ManuelReschke/patronbox/internal/pkg/database"
	"github.com/ManuelReschke/patronbox/internal/pkg/env"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

func main() {
	creatorID := flag.String("creator", "", "reconcile only this creator's subscriptions (default: all)")
	external := flag.String("subscription", "", "reconcile a single provider subscription id")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the sweep after this long")
	noLock := flag.Bool("no-lock", false, "skip the distributed sweep lock")
	flag.Parse()

	env.SetupEnvFile()
	database.SetupDatabase()

	m := metrics.Default()
	opts := []billing.Option{billing.WithMetrics(m)}
	if !*noLock {
		cache.SetupCache()
		opts = append(opts, billing.WithLocker(cache.NewRedisLocker(cache.GetClient())))
	}
	svc := billing.NewService(billing.NewRepository(database.GetDB()), billing.NewStripeGatewayFromEnv(m), billing.ConfigFromEnv(), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	code := run(ctx, svc, *creatorID, *external)
	cancel()
	stop()
	os.Exit(code)
}

func run(ctx context.Context, svc *billing.Service, creatorID, externalID string) int {
	if externalID != "" {
		outcome, err := svc.SyncExternal(ctx, externalID)
		if err != nil {
			log.Errorf("[Reconcile] %s: %v", externalID, err)
			return 1
		}
		fmt.Printf("%s: %s\n", externalID, outcome)
		return 0
	}

	summary, err := svc.Reconcile(ctx, creatorID)
	if errors.Is(err, billing.ErrReconcileRunning) {
		log.Warn("[Reconcile] Another sweep holds the lock, nothing to do")
		return 0
	}
	if err != nil {
		log.Errorf("[Reconcile] Sweep failed: %v", err)
		return 1
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if summary.Failed > 0 {
		return 2
	}
	return 0
}
