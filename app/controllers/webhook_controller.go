package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

// SyncEnqueuer hands a subscription refresh to the background queue.
type SyncEnqueuer interface {
	EnqueueSubscriptionSync(ctx context.Context, externalID string) (*jobqueue.Job, error)
}

// WebhookController serves POST /api/v1/webhooks/stripe.
type WebhookController struct {
	svc     *billing.Service
	queue   SyncEnqueuer
	secret  string
	metrics *metrics.Metrics
}

// NewWebhookController creates the Stripe webhook endpoint. A nil queue makes
// every relevant event sync inline.
func NewWebhookController(svc *billing.Service, queue SyncEnqueuer, secret string, m *metrics.Metrics) *WebhookController {
	return &WebhookController{svc: svc, queue: queue, secret: secret, metrics: m}
}

func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)
	event, err := billing.ParseStripeWebhook(rawBody, c.Get("Stripe-Signature"), wc.secret)
	if err != nil {
		wc.metrics.ObserveWebhook("unknown", "invalid_signature")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	created, stored, err := wc.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:               models.BillingProviderStripe,
		ProviderEventID:        event.ID,
		EventType:              event.Type,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		PayloadJSON:            string(rawBody),
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to persist event %s: %v", event.ID, err)
		wc.metrics.ObserveWebhook(event.Type, "error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	// Redeliveries of events that failed earlier are processed again.
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		wc.metrics.ObserveWebhook(event.Type, "duplicate")
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if !event.Relevant() {
		_ = wc.svc.MarkWebhookProcessed(ctx, stored.ID, nil)
		wc.metrics.ObserveWebhook(event.Type, "ignored")
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}

	procErr := wc.dispatch(ctx, event.ExternalSubscriptionID)
	if err := wc.svc.MarkWebhookProcessed(ctx, stored.ID, procErr); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s processed: %v", event.ID, err)
	}
	if procErr != nil {
		wc.metrics.ObserveWebhook(event.Type, "error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
	wc.metrics.ObserveWebhook(event.Type, "ok")
	return c.JSON(fiber.Map{"ok": true})
}

// dispatch queues the sync, or runs it inline when the queue is unavailable.
func (wc *WebhookController) dispatch(ctx context.Context, externalID string) error {
	if wc.queue != nil {
		_, err := wc.queue.EnqueueSubscriptionSync(ctx, externalID)
		if err == nil {
			return nil
		}
		log.Warnf("[Webhook] Enqueue failed for %s, syncing inline: %v", externalID, err)
	}

	outcome, err := wc.svc.SyncExternal(ctx, externalID)
	if err != nil {
		return errors.Join(errors.New("sync "+externalID+" failed"), err)
	}
	log.Debugf("[Webhook] Synced %s inline: %s", externalID, outcome)
	return nil
}
