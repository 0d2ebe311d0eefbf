package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing/billingtest"
)

func strPtr(s string) *string { return &s }

func newRecord(userID, externalID, status string) *models.SubscriptionRecord {
	rec := &models.SubscriptionRecord{
		UserID:      userID,
		CreatorID:   creatorID,
		TierID:      goldTier,
		Status:      status,
		AmountCents: 500,
		Currency:    "usd",
	}
	if externalID != "" {
		rec.ExternalSubscriptionID = strPtr(externalID)
	}
	return rec
}

func TestStoreAllowsOneLiveRecordPerTuple(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, newRecord("u1", "sub_1", models.SubscriptionStatusIncomplete)))
	err := store.InsertRecord(ctx, newRecord("u1", "sub_2", models.SubscriptionStatusActive))
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)

	// Historical rows never occupy the live slot.
	require.NoError(t, store.InsertRecord(ctx, newRecord("u1", "sub_3", models.SubscriptionStatusCanceled)))
	require.NoError(t, store.InsertRecord(ctx, newRecord("u1", "sub_4", models.SubscriptionStatusCanceled)))

	// Other users are unaffected.
	require.NoError(t, store.InsertRecord(ctx, newRecord("u2", "sub_5", models.SubscriptionStatusActive)))

	live, err := store.FindLiveRecords(ctx, "u1", creatorID, goldTier)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "sub_1", live[0].ExternalID())
}

func TestStoreRejectsDuplicateExternalID(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, store.InsertRecord(ctx, newRecord("u1", "sub_1", models.SubscriptionStatusActive)))
	err := store.InsertRecord(ctx, newRecord("u2", "sub_1", models.SubscriptionStatusActive))
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)
}

func TestUpdateRecordRejectsStaleVersion(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()

	rec := newRecord("u1", "sub_1", models.SubscriptionStatusIncomplete)
	require.NoError(t, store.InsertRecord(ctx, rec))
	stale := *rec

	rec.Status = models.SubscriptionStatusActive
	require.NoError(t, store.UpdateRecord(ctx, rec, rec.Version))
	assert.Equal(t, uint(2), rec.Version)

	stale.Status = models.SubscriptionStatusPending
	err := store.UpdateRecord(ctx, &stale, stale.Version)
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)

	err = store.DeleteRecord(ctx, &stale)
	assert.ErrorIs(t, err, billing.ErrConcurrencyConflict)

	stored, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
}

func TestAccessGrantFollowsRecord(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()
	now := time.Now()

	rec := newRecord("u1", "sub_1", models.SubscriptionStatusIncomplete)
	require.NoError(t, store.InsertRecord(ctx, rec))
	state, err := store.GetAccess(ctx, "u1", creatorID, now)
	require.NoError(t, err)
	assert.False(t, state.Granted)

	rec.Status = models.SubscriptionStatusActive
	require.NoError(t, store.UpdateRecord(ctx, rec, rec.Version))
	state, err = store.GetAccess(ctx, "u1", creatorID, now)
	require.NoError(t, err)
	assert.True(t, state.Granted)
	assert.Nil(t, state.ExpiresAt)

	cancelAt := now.Add(48 * time.Hour).Truncate(time.Second)
	rec.Status = models.SubscriptionStatusCancelling
	rec.CancelAt = &cancelAt
	require.NoError(t, store.UpdateRecord(ctx, rec, rec.Version))
	state, err = store.GetAccess(ctx, "u1", creatorID, now)
	require.NoError(t, err)
	assert.True(t, state.Granted)
	require.NotNil(t, state.ExpiresAt)
	assert.WithinDuration(t, cancelAt, *state.ExpiresAt, time.Second)

	state, err = store.GetAccess(ctx, "u1", creatorID, cancelAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, state.Granted)

	require.NoError(t, store.DeleteRecord(ctx, rec))
	state, err = store.GetAccess(ctx, "u1", creatorID, now)
	require.NoError(t, err)
	assert.False(t, state.Granted)
}

func TestUpsertRecordMergesByExternalID(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()

	first := newRecord("u1", "sub_1", models.SubscriptionStatusIncomplete)
	require.NoError(t, store.InsertRecord(ctx, first))

	end := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	second := newRecord("u1", "sub_1", models.SubscriptionStatusActive)
	second.PeriodEnd = &end
	require.NoError(t, store.UpsertRecord(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	stored, err := store.GetRecordByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, first.Version+1, stored.Version)
	require.NotNil(t, stored.PeriodEnd)

	state, err := store.GetAccess(ctx, "u1", creatorID, time.Now())
	require.NoError(t, err)
	assert.True(t, state.Granted)

	fresh := newRecord("u3", "sub_9", models.SubscriptionStatusActive)
	require.NoError(t, store.UpsertRecord(ctx, fresh))
	assert.NotZero(t, fresh.ID)
}

func TestListReconcilableSkipsUnbilledAndPages(t *testing.T) {
	store := billing.NewRepository(billingtest.NewDB(t))
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, store.InsertRecord(ctx, newRecord(u, "sub_"+u, models.SubscriptionStatusActive)))
	}
	require.NoError(t, store.InsertRecord(ctx, newRecord("u4", "", models.SubscriptionStatusActive)))

	page, err := store.ListReconcilable(ctx, "", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := store.ListReconcilable(ctx, "", page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "sub_u3", rest[0].ExternalID())

	scoped, err := store.ListReconcilable(ctx, "creator-other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, scoped)
}

func TestCustomerAndPriceCachesKeepFirstWriter(t *testing.T) {
	db := billingtest.NewDB(t)
	billingtest.SeedTier(t, db, creatorID, goldTier, "acct_1", 500)
	store := billing.NewRepository(db)
	ctx := context.Background()

	id, err := store.GetCustomerID(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, id)

	winner, err := store.SaveCustomerID(ctx, "u1", "cus_first", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", winner)
	winner, err = store.SaveCustomerID(ctx, "u1", "cus_second", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", winner)

	price, err := store.SaveTierPriceID(ctx, goldTier, "price_first")
	require.NoError(t, err)
	assert.Equal(t, "price_first", price)
	price, err = store.SaveTierPriceID(ctx, goldTier, "price_second")
	require.NoError(t, err)
	assert.Equal(t, "price_first", price)

	info, err := store.GetTier(ctx, creatorID, goldTier)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", info.PayoutAccountID)
	require.NotNil(t, info.Tier.ProviderPriceID)
	assert.Equal(t, "price_first", *info.Tier.ProviderPriceID)
}

func TestWebhookEventsAreDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := billing.WebhookEventInput{
		Provider:               "Stripe",
		ProviderEventID:        "evt_1",
		EventType:              "customer.subscription.updated",
		ExternalSubscriptionID: "sub_1",
		PayloadJSON:            `{"id":"evt_1"}`,
	}

	created, event, err := f.svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "stripe", event.Provider)

	created, again, err := f.svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, event.ID, again.ID)

	require.NoError(t, f.svc.MarkWebhookProcessed(ctx, event.ID, nil))
	var stored models.BillingWebhookEvent
	require.NoError(t, f.db.First(&stored, event.ID).Error)
	assert.NotNil(t, stored.ProcessedAt)

	anonymous, hashed, err := f.svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{Provider: "stripe", PayloadJSON: "{}"})
	require.NoError(t, err)
	assert.True(t, anonymous)
	assert.Contains(t, hashed.ProviderEventID, "hash:")
}
