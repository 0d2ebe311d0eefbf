package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/patronbox/app/models"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookEvent is a verified provider event reduced to what billing needs.
type WebhookEvent struct {
	ID                     string
	Type                   string
	ExternalSubscriptionID string
	Payload                []byte
}

// Relevant reports whether the event can change a subscription's state.
func (e *WebhookEvent) Relevant() bool {
	return e.ExternalSubscriptionID != "" &&
		(strings.HasPrefix(e.Type, "customer.subscription.") || strings.HasPrefix(e.Type, "invoice."))
}

// ParseStripeWebhook verifies the Stripe-Signature header and extracts the
// subscription the event refers to.
func ParseStripeWebhook(payload []byte, signature, secret string) (*WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Data != nil {
		out.ExternalSubscriptionID = subscriptionIDFromObject(out.Type, event.Data.Object)
	}
	return out, nil
}

func subscriptionIDFromObject(eventType string, obj map[string]interface{}) string {
	if obj == nil {
		return ""
	}
	if strings.HasPrefix(eventType, "customer.subscription.") {
		id, _ := obj["id"].(string)
		return id
	}
	if id, ok := obj["subscription"].(string); ok && id != "" {
		return id
	}
	// Newer API versions nest the subscription under parent.subscription_details.
	parent, _ := obj["parent"].(map[string]interface{})
	details, _ := parent["subscription_details"].(map[string]interface{})
	id, _ := details["subscription"].(string)
	return id
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:               provider,
		ProviderEventID:        eventID,
		EventType:              strings.TrimSpace(in.EventType),
		ExternalSubscriptionID: strings.TrimSpace(in.ExternalSubscriptionID),
		PayloadJSON:            in.PayloadJSON,
	}
	return s.store.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.store.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}
