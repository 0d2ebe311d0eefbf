package billing

import (
	"context"
	"time"
)

// Provider subscription statuses as reported by the billing provider.
const (
	ProviderStatusActive            = "active"
	ProviderStatusTrialing          = "trialing"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusIncomplete        = "incomplete"
	ProviderStatusIncompleteExpired = "incomplete_expired"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusPaused            = "paused"
)

// SetupStatusSucceeded is the only payment-setup status the completion flow accepts.
const SetupStatusSucceeded = "succeeded"

// Metadata keys written on provider objects.
const (
	MetaUserID          = "user_id"
	MetaCreatorID       = "creator_id"
	MetaTierID          = "tier_id"
	MetaReplacesSubID   = "replaces_subscription_id"
	MetaSubscriptionRef = "subscription_record_id"
)

// ProviderSubscription is the provider-agnostic view of a remote subscription.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CancelAt          *time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	Created           time.Time
	// ClientSecret confirms the pending first payment; empty once paid.
	ClientSecret string
	Metadata     map[string]string
}

// SetupArtifact is a provider payment-setup object (a Stripe SetupIntent).
type SetupArtifact struct {
	ID              string
	Status          string
	CustomerID      string
	PaymentMethodID string
	ClientSecret    string
	Metadata        map[string]string
}

// PriceInput describes the recurring price object created for a tier.
type PriceInput struct {
	TierID      string
	ProductName string
	AmountCents int64
	Currency    string
}

// SubscriptionInput describes a provider subscription to create.
type SubscriptionInput struct {
	CustomerID  string
	PriceID     string
	Destination string
	FeePercent  float64
	Metadata    map[string]string
	// PaymentMethodID binds the subscription to a confirmed method; without it
	// the subscription stays incomplete until the first payment is confirmed.
	PaymentMethodID string
	IdempotencyKey  string
}

// Gateway is the billing provider boundary. Implementations wrap transport
// failures in ErrProviderCallFailed and report missing objects as ErrProviderNotFound.
type Gateway interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreatePrice(ctx context.Context, in PriceInput) (string, error)
	CreateSubscription(ctx context.Context, in SubscriptionInput) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, id string) error
	CreateSetupIntent(ctx context.Context, customerID string, metadata map[string]string) (*SetupArtifact, error)
	GetSetupIntent(ctx context.Context, id string) (*SetupArtifact, error)
}

// Caller is the authenticated identity a handler acts for.
type Caller struct {
	UserID  string
	Email   string
	IsAdmin bool
}

// CreateResult is returned by CreateSubscription.
type CreateResult struct {
	ClientSecret   string `json:"clientSecret"`
	SubscriptionID string `json:"subscriptionId"`
	RecordID       uint   `json:"recordId"`
	Resumed        bool   `json:"resumed"`
}

// SetupResult is returned by PreparePaymentSetup.
type SetupResult struct {
	SetupArtifactID string `json:"setupArtifactId"`
	ClientSecret    string `json:"clientSecret"`
}

// CompleteResult is returned by CompleteSubscription.
type CompleteResult struct {
	SubscriptionID string `json:"subscriptionId"`
	RecordID       uint   `json:"recordId"`
	Status         string `json:"status"`
}

// CancelResult is returned by CancelSubscription.
type CancelResult struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Immediate bool       `json:"immediate"`
	CancelAt  *time.Time `json:"cancelAt,omitempty"`
}

// ReactivateResult is returned by ReactivateSubscription.
type ReactivateResult struct {
	Success   bool       `json:"success"`
	PeriodEnd *time.Time `json:"periodEnd,omitempty"`
}

// VerifyResult is returned by VerifySubscription.
type VerifyResult struct {
	IsActive          bool       `json:"isActive"`
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
}

// SyncSummary counts the classifications of one reconciliation sweep.
type SyncSummary struct {
	Synced    int `json:"syncedCount"`
	Pending   int `json:"pendingCount"`
	Cleaned   int `json:"cleanedCount"`
	Failed    int `json:"failedCount"`
	Skipped   int `json:"skippedCount"`
	Mutations int `json:"mutationCount"`
}

// SubscriptionSummary is the caller-facing view of a local record.
type SubscriptionSummary struct {
	ID                     uint       `json:"id"`
	CreatorID              string     `json:"creatorId"`
	TierID                 string     `json:"tierId"`
	Status                 string     `json:"status"`
	ExternalSubscriptionID string     `json:"externalSubscriptionId,omitempty"`
	AmountCents            int64      `json:"amountCents"`
	Currency               string     `json:"currency"`
	PeriodEnd              *time.Time `json:"periodEnd,omitempty"`
	CancelAt               *time.Time `json:"cancelAt,omitempty"`
}

// AccessState is the result of an access check.
type AccessState struct {
	Granted   bool       `json:"hasAccess"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider               string
	ProviderEventID        string
	EventType              string
	ExternalSubscriptionID string
	PayloadJSON            string
}
