package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/patronbox/internal/pkg/env"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

// StripeGateway implements Gateway using the Stripe API. Subscriptions are
// created as destination charges with an application fee for the platform.
type StripeGateway struct {
	api     *client.API
	metrics *metrics.Metrics
}

// NewStripeGateway creates a gateway with its own API client so several
// keys can coexist in one process.
func NewStripeGateway(secretKey string, m *metrics.Metrics) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, metrics: m}
}

// NewStripeGatewayFromEnv reads STRIPE_SECRET_KEY.
func NewStripeGatewayFromEnv(m *metrics.Metrics) *StripeGateway {
	return NewStripeGateway(strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")), m)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetaUserID, userID)

	c, err := g.api.Customers.New(params)
	if err = g.observe("create_customer", err); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (g *StripeGateway) CreatePrice(ctx context.Context, in PriceInput) (string, error) {
	params := &stripe.PriceParams{
		Currency:   stripe.String(strings.ToLower(in.Currency)),
		UnitAmount: stripe.Int64(in.AmountCents),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(in.ProductName),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetaTierID, in.TierID)

	p, err := g.api.Prices.New(params)
	if err = g.observe("create_price", err); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, in SubscriptionInput) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(in.PriceID)},
		},
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	if in.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(in.PaymentMethodID)
		params.PaymentBehavior = stripe.String("error_if_incomplete")
	} else {
		params.PaymentBehavior = stripe.String("default_incomplete")
	}
	if in.Destination != "" {
		params.TransferData = &stripe.SubscriptionTransferDataParams{
			Destination: stripe.String(in.Destination),
		}
		if in.FeePercent > 0 {
			params.ApplicationFeePercent = stripe.Float64(in.FeePercent)
		}
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice.confirmation_secret")
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	sub, err := g.api.Subscriptions.New(params)
	if err = g.observe("create_subscription", err); err != nil {
		return nil, err
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.confirmation_secret")

	sub, err := g.api.Subscriptions.Get(id, params)
	if err = g.observe("get_subscription", err); err != nil {
		return nil, err
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	sub, err := g.api.Subscriptions.Update(id, params)
	if err = g.observe("update_subscription", err); err != nil {
		return nil, err
	}
	return fromStripeSubscription(sub), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, id string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := g.api.Subscriptions.Cancel(id, params)
	return g.observe("cancel_subscription", err)
}

func (g *StripeGateway) CreateSetupIntent(ctx context.Context, customerID string, metadata map[string]string) (*SetupArtifact, error) {
	params := &stripe.SetupIntentParams{
		Customer: stripe.String(customerID),
		Usage:    stripe.String("off_session"),
		PaymentMethodTypes: []*string{
			stripe.String("card"),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	si, err := g.api.SetupIntents.New(params)
	if err = g.observe("create_setup_intent", err); err != nil {
		return nil, err
	}
	return fromStripeSetupIntent(si), nil
}

func (g *StripeGateway) GetSetupIntent(ctx context.Context, id string) (*SetupArtifact, error) {
	params := &stripe.SetupIntentParams{}
	params.Context = ctx

	si, err := g.api.SetupIntents.Get(id, params)
	if err = g.observe("get_setup_intent", err); err != nil {
		return nil, err
	}
	return fromStripeSetupIntent(si), nil
}

// observe records the call and maps Stripe errors onto the gateway contract.
func (g *StripeGateway) observe(op string, err error) error {
	err = translateStripeError(op, err)
	g.metrics.ObserveProviderCall(op, err, ErrProviderNotFound)
	return err
}

func translateStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %s", ErrProviderNotFound, op, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderCallFailed, op, err)
}

func fromStripeSubscription(sub *stripe.Subscription) *ProviderSubscription {
	if sub == nil {
		return nil
	}
	out := &ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelAt:          unixPtr(sub.CancelAt),
		Metadata:          sub.Metadata,
	}
	if sub.Created > 0 {
		out.Created = time.Unix(sub.Created, 0).UTC()
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		out.PeriodStart = unixPtr(item.CurrentPeriodStart)
		out.PeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		out.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return out
}

func fromStripeSetupIntent(si *stripe.SetupIntent) *SetupArtifact {
	if si == nil {
		return nil
	}
	out := &SetupArtifact{
		ID:           si.ID,
		Status:       string(si.Status),
		ClientSecret: si.ClientSecret,
		Metadata:     si.Metadata,
	}
	if si.Customer != nil {
		out.CustomerID = si.Customer.ID
	}
	if si.PaymentMethod != nil {
		out.PaymentMethodID = si.PaymentMethod.ID
	}
	return out
}

func unixPtr(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
