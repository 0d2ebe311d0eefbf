// Package billingtest provides in-memory collaborators for billing tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
)

// FakeGateway is an in-memory billing.Gateway. Error fields inject failures.
type FakeGateway struct {
	mu sync.Mutex

	Subscriptions map[string]*billing.ProviderSubscription
	SetupIntents  map[string]*billing.SetupArtifact
	Customers     map[string]string // customerID -> userID
	Prices        map[string]billing.PriceInput
	// Inputs records every CreateSubscription request in call order.
	Inputs []billing.SubscriptionInput

	CreateCustomerErr     error
	CreatePriceErr        error
	CreateSubscriptionErr error
	UpdateSubscriptionErr error
	CancelSubscriptionErr error
	// GetSubscriptionErrs fails lookups of specific subscription ids.
	GetSubscriptionErrs map[string]error

	Now          func() time.Time
	PeriodLength time.Duration

	idempotency map[string]string
	seq         int
}

// NewFakeGateway creates a FakeGateway with 30 day billing periods.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Subscriptions:       make(map[string]*billing.ProviderSubscription),
		SetupIntents:        make(map[string]*billing.SetupArtifact),
		Customers:           make(map[string]string),
		Prices:              make(map[string]billing.PriceInput),
		GetSubscriptionErrs: make(map[string]error),
		Now:                 time.Now,
		PeriodLength:        30 * 24 * time.Hour,
		idempotency:         make(map[string]string),
	}
}

func (f *FakeGateway) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%04d", prefix, f.seq)
}

func (f *FakeGateway) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateCustomerErr != nil {
		return "", f.CreateCustomerErr
	}
	id := f.nextID("cus")
	f.Customers[id] = userID
	return id, nil
}

func (f *FakeGateway) CreatePrice(_ context.Context, in billing.PriceInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreatePriceErr != nil {
		return "", f.CreatePriceErr
	}
	id := f.nextID("price")
	f.Prices[id] = in
	return id, nil
}

func (f *FakeGateway) CreateSubscription(_ context.Context, in billing.SubscriptionInput) (*billing.ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateSubscriptionErr != nil {
		return nil, f.CreateSubscriptionErr
	}
	if in.IdempotencyKey != "" {
		if id, ok := f.idempotency[in.IdempotencyKey]; ok {
			return clone(f.Subscriptions[id]), nil
		}
	}
	f.Inputs = append(f.Inputs, in)

	now := f.Now().UTC().Truncate(time.Second)
	end := now.Add(f.PeriodLength)
	sub := &billing.ProviderSubscription{
		ID:          f.nextID("sub"),
		CustomerID:  in.CustomerID,
		Status:      billing.ProviderStatusIncomplete,
		PeriodStart: &now,
		PeriodEnd:   &end,
		Created:     now,
		Metadata:    copyMap(in.Metadata),
	}
	if in.PaymentMethodID != "" {
		sub.Status = billing.ProviderStatusActive
	} else {
		sub.ClientSecret = sub.ID + "_secret"
	}
	f.Subscriptions[sub.ID] = sub
	if in.IdempotencyKey != "" {
		f.idempotency[in.IdempotencyKey] = sub.ID
	}
	return clone(sub), nil
}

func (f *FakeGateway) GetSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetSubscriptionErrs[id]; err != nil {
		return nil, err
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrProviderNotFound, id)
	}
	return clone(sub), nil
}

func (f *FakeGateway) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*billing.ProviderSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateSubscriptionErr != nil {
		return nil, f.UpdateSubscriptionErr
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrProviderNotFound, id)
	}
	if sub.Status == billing.ProviderStatusCanceled {
		return nil, fmt.Errorf("%w: subscription %s is canceled", billing.ErrProviderCallFailed, id)
	}
	sub.CancelAtPeriodEnd = cancel
	return clone(sub), nil
}

func (f *FakeGateway) CancelSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelSubscriptionErr != nil {
		return f.CancelSubscriptionErr
	}
	sub, ok := f.Subscriptions[id]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrProviderNotFound, id)
	}
	sub.Status = billing.ProviderStatusCanceled
	sub.ClientSecret = ""
	return nil
}

func (f *FakeGateway) CreateSetupIntent(_ context.Context, customerID string, metadata map[string]string) (*billing.SetupArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	si := &billing.SetupArtifact{
		ID:         f.nextID("seti"),
		Status:     "requires_payment_method",
		CustomerID: customerID,
		Metadata:   copyMap(metadata),
	}
	si.ClientSecret = si.ID + "_secret"
	f.SetupIntents[si.ID] = si
	c := *si
	return &c, nil
}

func (f *FakeGateway) GetSetupIntent(_ context.Context, id string) (*billing.SetupArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	si, ok := f.SetupIntents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrProviderNotFound, id)
	}
	c := *si
	c.Metadata = copyMap(si.Metadata)
	return &c, nil
}

// ConfirmSetupIntent simulates the client confirming a payment method.
func (f *FakeGateway) ConfirmSetupIntent(id, paymentMethodID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if si, ok := f.SetupIntents[id]; ok {
		si.Status = billing.SetupStatusSucceeded
		si.PaymentMethodID = paymentMethodID
	}
}

// SetStatus overwrites the provider status of a subscription.
func (f *FakeGateway) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.Subscriptions[id]; ok {
		sub.Status = status
		if status != billing.ProviderStatusIncomplete {
			sub.ClientSecret = ""
		}
	}
}

// SetCreated backdates a subscription's creation time.
func (f *FakeGateway) SetCreated(id string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.Subscriptions[id]; ok {
		sub.Created = created
	}
}

// Remove deletes a subscription so lookups report not found.
func (f *FakeGateway) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Subscriptions, id)
}

// Subscription returns a copy of the stored subscription or nil.
func (f *FakeGateway) Subscription(id string) *billing.ProviderSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.Subscriptions[id])
}

// LiveSubscriptions counts subscriptions that are neither canceled nor expired.
func (f *FakeGateway) LiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.Subscriptions {
		if sub.Status != billing.ProviderStatusCanceled && sub.Status != billing.ProviderStatusIncompleteExpired {
			n++
		}
	}
	return n
}

// SubscriptionCount is the number of CreateSubscription calls that produced an object.
func (f *FakeGateway) SubscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Subscriptions)
}

func clone(sub *billing.ProviderSubscription) *billing.ProviderSubscription {
	if sub == nil {
		return nil
	}
	c := *sub
	c.Metadata = copyMap(sub.Metadata)
	return &c
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
