package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/billing/billingtest"
)

const (
	creatorID = "creator-1"
	goldTier  = "tier-gold"
)

var (
	alice = billing.Caller{UserID: "user-alice", Email: "alice@example.com"}
	bob   = billing.Caller{UserID: "user-bob", Email: "bob@example.com"}
	admin = billing.Caller{UserID: "admin-1", IsAdmin: true}
)

type fixture struct {
	db    *gorm.DB
	store billing.Store
	gw    *billingtest.FakeGateway
	svc   *billing.Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := billingtest.NewDB(t)
	billingtest.SeedTier(t, db, creatorID, goldTier, "acct_creator1", 500)

	f := &fixture{
		db:    db,
		store: billing.NewRepository(db),
		gw:    billingtest.NewFakeGateway(),
		clock: time.Now(),
	}
	f.gw.Now = func() time.Time { return f.clock }
	f.svc = billing.NewService(f.store, f.gw, billing.Config{
		PlatformFeePercent: 10,
		PendingGrace:       time.Hour,
		ReconcilePageSize:  2,
	}, billing.WithClock(func() time.Time { return f.clock }))
	return f
}

// activate runs the payment-setup flow to an active subscription.
func (f *fixture) activate(t *testing.T, caller billing.Caller, tierID string, replace uint) *billing.CompleteResult {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.PreparePaymentSetup(ctx, caller, creatorID, tierID, replace)
	require.NoError(t, err)
	f.gw.ConfirmSetupIntent(setup.SetupArtifactID, "pm_card_visa")

	res, err := f.svc.CompleteSubscription(ctx, caller, setup.SetupArtifactID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionStatusActive, res.Status)
	return res
}

func (f *fixture) liveRecords(t *testing.T, caller billing.Caller, tierID string) []models.SubscriptionRecord {
	t.Helper()
	recs, err := f.store.FindLiveRecords(context.Background(), caller.UserID, creatorID, tierID)
	require.NoError(t, err)
	return recs
}

func (f *fixture) hasAccess(t *testing.T, caller billing.Caller) bool {
	t.Helper()
	state, err := f.svc.CheckAccess(context.Background(), caller, creatorID)
	require.NoError(t, err)
	return state.Granted
}

func TestCreateSubscriptionReturnsClientSecret(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateSubscription(context.Background(), alice, creatorID, goldTier)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ClientSecret)
	assert.NotEmpty(t, res.SubscriptionID)
	assert.False(t, res.Resumed)

	require.Len(t, f.gw.Inputs, 1)
	in := f.gw.Inputs[0]
	assert.Equal(t, "acct_creator1", in.Destination)
	assert.Equal(t, 10.0, in.FeePercent)
	assert.Empty(t, in.PaymentMethodID)
	assert.Equal(t, alice.UserID, in.Metadata[billing.MetaUserID])
	assert.Equal(t, goldTier, in.Metadata[billing.MetaTierID])

	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SubscriptionStatusIncomplete, recs[0].Status)
	assert.Equal(t, res.SubscriptionID, recs[0].ExternalID())
	assert.Equal(t, int64(500), recs[0].AmountCents)
	assert.False(t, f.hasAccess(t, alice), "incomplete subscriptions must not grant access")

	var tier models.Tier
	require.NoError(t, f.db.First(&tier, "id = ?", goldTier).Error)
	require.NotNil(t, tier.ProviderPriceID)
	assert.Equal(t, in.PriceID, *tier.ProviderPriceID)
}

func TestCreateSubscriptionReusesCustomerAndPrice(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedTier(t, f.db, creatorID, "tier-silver", "acct_creator1", 300)
	ctx := context.Background()

	_, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	_, err = f.svc.CreateSubscription(ctx, alice, creatorID, "tier-silver")
	require.NoError(t, err)

	assert.Len(t, f.gw.Customers, 1)
	assert.Len(t, f.gw.Prices, 2)
	require.Len(t, f.gw.Inputs, 2)
	assert.Equal(t, f.gw.Inputs[0].CustomerID, f.gw.Inputs[1].CustomerID)
}

func TestCreateSubscriptionResumesPendingCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	second, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, 1, f.gw.SubscriptionCount(), "resume must not create a second provider subscription")
}

func TestCreateSubscriptionAlreadySubscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	f.gw.SetStatus(first.SubscriptionID, billing.ProviderStatusActive)

	_, err = f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)

	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SubscriptionStatusActive, recs[0].Status)
	assert.True(t, f.hasAccess(t, alice))

	_, err = f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	assert.Equal(t, 1, f.gw.SubscriptionCount())
}

func TestCreateSubscriptionReplacesExpiredCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	f.gw.SetStatus(first.SubscriptionID, billing.ProviderStatusIncompleteExpired)

	second, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	assert.False(t, second.Resumed)
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)

	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, second.SubscriptionID, recs[0].ExternalID())
	assert.Equal(t, 1, f.gw.LiveSubscriptions())
}

func TestCreateSubscriptionReplacesVanishedCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	f.gw.Remove(first.SubscriptionID)

	second, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
	assert.Len(t, f.liveRecords(t, alice, goldTier), 1)
}

func TestCreateSubscriptionRequiresPayoutDestination(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedTier(t, f.db, "creator-2", "tier-basic", "", 300)

	_, err := f.svc.CreateSubscription(context.Background(), alice, "creator-2", "tier-basic")
	assert.ErrorIs(t, err, billing.ErrPayoutNotConfigured)
	assert.Equal(t, 0, f.gw.SubscriptionCount())
}

func TestCreateSubscriptionUnknownTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSubscription(ctx, alice, creatorID, "tier-missing")
	assert.ErrorIs(t, err, billing.ErrTierNotFound)

	// A tier of another creator is not addressable through this creator.
	billingtest.SeedTier(t, f.db, "creator-2", "tier-other", "acct_creator2", 300)
	_, err = f.svc.CreateSubscription(ctx, alice, creatorID, "tier-other")
	assert.ErrorIs(t, err, billing.ErrTierNotFound)
}

func TestCreateSubscriptionProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.CreateSubscriptionErr = fmt.Errorf("%w: create_subscription: timeout", billing.ErrProviderCallFailed)

	_, err := f.svc.CreateSubscription(context.Background(), alice, creatorID, goldTier)
	assert.ErrorIs(t, err, billing.ErrProviderCallFailed)
	assert.Empty(t, f.liveRecords(t, alice, goldTier))
}

func TestConcurrentCreateKeepsSingleLiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	results := make([]*billing.CreateResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
			continue
		}
		succeeded++
		assert.NotEmpty(t, results[i].ClientSecret)
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, f.gw.LiveSubscriptions(), "losing requests must cancel their provider subscription")
	live := f.gw.Subscription(recs[0].ExternalID())
	require.NotNil(t, live)
	assert.Equal(t, billing.ProviderStatusIncomplete, live.Status)
}

func TestCompleteSubscriptionRequiresSucceededSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	setup, err := f.svc.PreparePaymentSetup(ctx, alice, creatorID, goldTier, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.ClientSecret)

	_, err = f.svc.CompleteSubscription(ctx, alice, setup.SetupArtifactID)
	assert.ErrorIs(t, err, billing.ErrPaymentNotConfirmed)
	assert.Equal(t, 0, f.gw.SubscriptionCount())
}

func TestCompleteSubscriptionRejectsForeignSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	setup, err := f.svc.PreparePaymentSetup(ctx, alice, creatorID, goldTier, 0)
	require.NoError(t, err)
	f.gw.ConfirmSetupIntent(setup.SetupArtifactID, "pm_card_visa")

	_, err = f.svc.CompleteSubscription(ctx, bob, setup.SetupArtifactID)
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)

	_, err = f.svc.CompleteSubscription(ctx, alice, "seti_unknown")
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
}

func TestCompleteSubscriptionSupersedesCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkout, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)

	res := f.activate(t, alice, goldTier, 0)
	assert.NotEqual(t, checkout.SubscriptionID, res.SubscriptionID)

	assert.Equal(t, billing.ProviderStatusCanceled, f.gw.Subscription(checkout.SubscriptionID).Status)
	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, res.SubscriptionID, recs[0].ExternalID())
	assert.Equal(t, models.SubscriptionStatusActive, recs[0].Status)
	assert.True(t, f.hasAccess(t, alice))

	last := f.gw.Inputs[len(f.gw.Inputs)-1]
	assert.Equal(t, "pm_card_visa", last.PaymentMethodID)
	assert.NotEmpty(t, last.IdempotencyKey)
}

func TestCompleteSubscriptionUpgradeReplacesOldTier(t *testing.T) {
	f := newFixture(t)
	billingtest.SeedTier(t, f.db, creatorID, "tier-platinum", "acct_creator1", 2000)
	ctx := context.Background()

	gold := f.activate(t, alice, goldTier, 0)
	platinum := f.activate(t, alice, "tier-platinum", gold.RecordID)

	assert.Equal(t, billing.ProviderStatusCanceled, f.gw.Subscription(gold.SubscriptionID).Status)
	assert.Empty(t, f.liveRecords(t, alice, goldTier))
	require.Len(t, f.liveRecords(t, alice, "tier-platinum"), 1)
	assert.True(t, f.hasAccess(t, alice))

	subs, err := f.svc.ListSubscriptions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, platinum.SubscriptionID, subs[0].ExternalSubscriptionID)
	assert.Equal(t, int64(2000), subs[0].AmountCents)
}

func TestCompleteSubscriptionAlreadyActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, alice, goldTier, 0)

	_, err := f.svc.PreparePaymentSetup(ctx, alice, creatorID, goldTier, 0)
	assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
}

func TestCancelSchedulesPeriodEndAndKeepsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	res, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Immediate)
	assert.Contains(t, res.Message, "period end")
	require.NotNil(t, res.CancelAt)

	provider := f.gw.Subscription(sub.SubscriptionID)
	assert.True(t, provider.CancelAtPeriodEnd)
	assert.WithinDuration(t, *provider.PeriodEnd, *res.CancelAt, time.Second)

	rec, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelling, rec.Status)

	state, err := f.svc.CheckAccess(ctx, alice, creatorID)
	require.NoError(t, err)
	assert.True(t, state.Granted, "access must last until the period ends")
	require.NotNil(t, state.ExpiresAt)

	f.clock = res.CancelAt.Add(time.Minute)
	assert.False(t, f.hasAccess(t, alice))

	// Cancelling twice is idempotent.
	f.clock = time.Now()
	again, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestCancelUnbilledRecordEndsAccessImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.svc.GrantManualAccess(ctx, admin, alice.UserID, creatorID, goldTier)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.True(t, f.hasAccess(t, alice))

	granted, err = f.svc.GrantManualAccess(ctx, admin, alice.UserID, creatorID, goldTier)
	require.NoError(t, err)
	assert.False(t, granted, "granting twice must be a no-op")

	subs, err := f.svc.ListSubscriptions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].ExternalSubscriptionID)

	res, err := f.svc.CancelSubscription(ctx, alice, subs[0].ID, false)
	require.NoError(t, err)
	assert.True(t, res.Immediate)
	assert.Contains(t, res.Message, "immediately")
	assert.False(t, f.hasAccess(t, alice))
	assert.Equal(t, 0, f.gw.SubscriptionCount())
}

func TestGrantManualAccessRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GrantManualAccess(context.Background(), alice, alice.UserID, creatorID, goldTier)
	assert.ErrorIs(t, err, billing.ErrForbidden)
}

func TestCancelProviderFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)
	f.gw.UpdateSubscriptionErr = fmt.Errorf("%w: update_subscription: 500", billing.ErrProviderCallFailed)

	_, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	assert.ErrorIs(t, err, billing.ErrProviderCallFailed)

	rec, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, rec.Status)
	assert.Nil(t, rec.CancelAt)
	assert.True(t, f.hasAccess(t, alice))
}

func TestCancelImmediateDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	res, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, true)
	require.NoError(t, err)
	assert.True(t, res.Immediate)
	assert.Equal(t, billing.ProviderStatusCanceled, f.gw.Subscription(sub.SubscriptionID).Status)

	_, err = f.store.GetRecord(ctx, sub.RecordID)
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
	assert.False(t, f.hasAccess(t, alice))
}

func TestCancelChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	_, err := f.svc.CancelSubscription(ctx, bob, sub.RecordID, false)
	assert.ErrorIs(t, err, billing.ErrForbidden)

	_, err = f.svc.CancelSubscription(ctx, alice, 9999, false)
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
}

func TestReactivateBeforePeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	_, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	require.NoError(t, err)

	res, err := f.svc.ReactivateSubscription(ctx, alice, sub.RecordID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.PeriodEnd)

	assert.False(t, f.gw.Subscription(sub.SubscriptionID).CancelAtPeriodEnd)
	rec, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, rec.Status)
	assert.Nil(t, rec.CancelAt)

	state, err := f.svc.CheckAccess(ctx, alice, creatorID)
	require.NoError(t, err)
	assert.True(t, state.Granted)
	assert.Nil(t, state.ExpiresAt)
}

func TestReactivateRejectsLapsedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	_, err := f.svc.ReactivateSubscription(ctx, alice, sub.RecordID)
	assert.ErrorIs(t, err, billing.ErrCannotReactivate, "active subscriptions have nothing to reactivate")

	cancelled, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	require.NoError(t, err)

	f.gw.SetStatus(sub.SubscriptionID, billing.ProviderStatusCanceled)
	_, err = f.svc.ReactivateSubscription(ctx, alice, sub.RecordID)
	assert.ErrorIs(t, err, billing.ErrCannotReactivate)

	f.gw.SetStatus(sub.SubscriptionID, billing.ProviderStatusActive)
	f.clock = cancelled.CancelAt.Add(time.Hour)
	_, err = f.svc.ReactivateSubscription(ctx, alice, sub.RecordID)
	assert.ErrorIs(t, err, billing.ErrCannotReactivate)
}

func TestVerifySubscriptionReadsProviderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	before, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)

	f.gw.SetStatus(sub.SubscriptionID, billing.ProviderStatusPastDue)
	res, err := f.svc.VerifySubscription(ctx, alice, sub.SubscriptionID)
	require.NoError(t, err)
	assert.True(t, res.IsActive)
	assert.Equal(t, billing.ProviderStatusPastDue, res.Status)
	assert.False(t, res.CancelAtPeriodEnd)
	assert.NotNil(t, res.PeriodEnd)

	after, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, models.SubscriptionStatusActive, after.Status)

	f.gw.SetStatus(sub.SubscriptionID, billing.ProviderStatusCanceled)
	res, err = f.svc.VerifySubscription(ctx, alice, sub.SubscriptionID)
	require.NoError(t, err)
	assert.False(t, res.IsActive)

	_, err = f.svc.VerifySubscription(ctx, bob, sub.SubscriptionID)
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
	_, err = f.svc.VerifySubscription(ctx, alice, "sub_missing")
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
}

func TestReconcileCleansLapsedSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	sub := f.activate(t, alice, goldTier, 0)
	cancelled, err := f.svc.CancelSubscription(ctx, alice, sub.RecordID, false)
	require.NoError(t, err)

	// The provider ends the subscription at period end and the webhook is lost.
	f.gw.SetStatus(sub.SubscriptionID, billing.ProviderStatusCanceled)
	f.clock = cancelled.CancelAt.Add(time.Hour)

	summary, err := f.svc.SyncAll(ctx, admin, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cleaned)
	assert.Equal(t, 0, summary.Failed)

	subs, err := f.svc.ListSubscriptions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.False(t, f.hasAccess(t, alice))

	again, err := f.svc.SyncAll(ctx, admin, "")
	require.NoError(t, err)
	assert.Equal(t, billing.SyncSummary{}, *again)
}

func TestReconcileClassifiesEveryRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := []billing.Caller{
		{UserID: "user-paid"},
		{UserID: "user-pending"},
		{UserID: "user-abandoned"},
		{UserID: "user-vanished"},
		{UserID: "user-unreachable"},
	}
	ids := make(map[string]string)
	for _, u := range users {
		res, err := f.svc.CreateSubscription(ctx, u, creatorID, goldTier)
		require.NoError(t, err)
		ids[u.UserID] = res.SubscriptionID
	}

	f.gw.SetStatus(ids["user-paid"], billing.ProviderStatusActive)
	f.gw.SetCreated(ids["user-abandoned"], f.clock.Add(-2*time.Hour))
	f.gw.Remove(ids["user-vanished"])
	f.gw.GetSubscriptionErrs[ids["user-unreachable"]] = fmt.Errorf("%w: get_subscription: 503", billing.ErrProviderCallFailed)

	summary, err := f.svc.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 2, summary.Cleaned)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.Mutations)

	paid := f.liveRecords(t, users[0], goldTier)
	require.Len(t, paid, 1)
	assert.Equal(t, models.SubscriptionStatusActive, paid[0].Status)
	assert.True(t, f.hasAccess(t, users[0]))

	pending := f.liveRecords(t, users[1], goldTier)
	require.Len(t, pending, 1)
	assert.Equal(t, models.SubscriptionStatusPending, pending[0].Status)
	assert.False(t, f.hasAccess(t, users[1]))

	assert.Empty(t, f.liveRecords(t, users[2], goldTier))
	assert.Empty(t, f.liveRecords(t, users[3], goldTier))

	unreachable := f.liveRecords(t, users[4], goldTier)
	require.Len(t, unreachable, 1)
	assert.Equal(t, models.SubscriptionStatusIncomplete, unreachable[0].Status)

	again, err := f.svc.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Mutations, "a second sweep without provider changes must not write")
	assert.Equal(t, 1, again.Synced)
	assert.Equal(t, 1, again.Pending)
	assert.Equal(t, 1, again.Failed)
}

func TestReconcileSyncsScheduledCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.activate(t, alice, goldTier, 0)

	// Cancellation scheduled out of band, e.g. from the provider dashboard.
	_, err := f.gw.SetCancelAtPeriodEnd(ctx, sub.SubscriptionID, true)
	require.NoError(t, err)

	summary, err := f.svc.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)

	rec, err := f.store.GetRecord(ctx, sub.RecordID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelling, rec.Status)
	require.NotNil(t, rec.CancelAt)
	assert.True(t, f.hasAccess(t, alice))
}

func TestReconcileRespectsCreatorScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	billingtest.SeedTier(t, f.db, "creator-2", "tier-two", "acct_creator2", 800)

	one, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	two, err := f.svc.CreateSubscription(ctx, alice, "creator-2", "tier-two")
	require.NoError(t, err)
	f.gw.Remove(one.SubscriptionID)
	f.gw.Remove(two.SubscriptionID)

	summary, err := f.svc.SyncAll(ctx, billing.Caller{UserID: "creator-2"}, "creator-2")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cleaned)
	assert.Len(t, f.liveRecords(t, alice, goldTier), 1, "other creators' records are out of scope")
}

func TestSyncAllAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SyncAll(ctx, alice, "")
	assert.ErrorIs(t, err, billing.ErrForbidden)
	_, err = f.svc.SyncAll(ctx, alice, creatorID)
	assert.ErrorIs(t, err, billing.ErrForbidden)

	_, err = f.svc.SyncAll(ctx, billing.Caller{UserID: creatorID}, creatorID)
	assert.NoError(t, err)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, false, nil
}

func TestReconcileRefusesOverlappingSweep(t *testing.T) {
	f := newFixture(t)
	svc := billing.NewService(f.store, f.gw, billing.Config{}, billing.WithLocker(busyLocker{}))

	_, err := svc.Reconcile(context.Background(), "")
	assert.True(t, errors.Is(err, billing.ErrReconcileRunning))
}

func TestSyncExternalIgnoresUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.svc.SyncExternal(ctx, "sub_unknown")
	require.NoError(t, err)
	assert.Equal(t, "ignored", outcome)

	res, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	f.gw.SetStatus(res.SubscriptionID, billing.ProviderStatusActive)

	outcome, err = f.svc.SyncExternal(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, "synced", outcome)
	assert.True(t, f.hasAccess(t, alice))
}

// lateStore hides live records from the pre-check and reports the upsert as a
// conflict, the way a completion behaves when a concurrent one committed
// between its pre-check and its write.
type lateStore struct {
	billing.Store
}

func (lateStore) FindLiveRecords(context.Context, string, string, string) ([]models.SubscriptionRecord, error) {
	return nil, nil
}

func (lateStore) UpsertRecord(context.Context, *models.SubscriptionRecord) error {
	return billing.ErrConcurrencyConflict
}

func TestConcurrentCompletionKeepsPaidSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	setup, err := f.svc.PreparePaymentSetup(ctx, alice, creatorID, goldTier, 0)
	require.NoError(t, err)
	f.gw.ConfirmSetupIntent(setup.SetupArtifactID, "pm_card_visa")
	first, err := f.svc.CompleteSubscription(ctx, alice, setup.SetupArtifactID)
	require.NoError(t, err)

	late := billing.NewService(lateStore{Store: f.store}, f.gw, billing.Config{PlatformFeePercent: 10})
	second, err := late.CompleteSubscription(ctx, alice, setup.SetupArtifactID)
	require.NoError(t, err)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, models.SubscriptionStatusActive, second.Status)

	assert.Equal(t, billing.ProviderStatusActive, f.gw.Subscription(first.SubscriptionID).Status)
	recs := f.liveRecords(t, alice, goldTier)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SubscriptionStatusActive, recs[0].Status)
	assert.True(t, f.hasAccess(t, alice))
}

func TestPreparePaymentSetupRejectsReplacementAcrossCreators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	billingtest.SeedTier(t, f.db, "creator-2", "tier-two", "acct_creator2", 800)

	gold := f.activate(t, alice, goldTier, 0)

	_, err := f.svc.PreparePaymentSetup(ctx, alice, "creator-2", "tier-two", gold.RecordID)
	assert.ErrorIs(t, err, billing.ErrRecordNotFound)
	assert.Equal(t, billing.ProviderStatusActive, f.gw.Subscription(gold.SubscriptionID).Status)
}

// touchedStore bumps the version of every listed record, as if a live
// handler wrote each one right after the sweep read its page.
type touchedStore struct {
	billing.Store
	db *gorm.DB
}

func (s touchedStore) ListReconcilable(ctx context.Context, creatorID string, afterID uint, limit int) ([]models.SubscriptionRecord, error) {
	page, err := s.Store.ListReconcilable(ctx, creatorID, afterID, limit)
	for _, rec := range page {
		if err := s.db.Model(&models.SubscriptionRecord{}).Where("id = ?", rec.ID).
			UpdateColumn("version", gorm.Expr("version + 1")).Error; err != nil {
			return nil, err
		}
	}
	return page, err
}

func TestReconcileSkipsRecordsChangedDuringSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid, err := f.svc.CreateSubscription(ctx, alice, creatorID, goldTier)
	require.NoError(t, err)
	gone, err := f.svc.CreateSubscription(ctx, bob, creatorID, goldTier)
	require.NoError(t, err)
	f.gw.SetStatus(paid.SubscriptionID, billing.ProviderStatusActive)
	f.gw.Remove(gone.SubscriptionID)

	before := map[string]models.SubscriptionRecord{}
	for _, c := range []billing.Caller{alice, bob} {
		recs := f.liveRecords(t, c, goldTier)
		require.Len(t, recs, 1)
		before[c.UserID] = recs[0]
	}

	svc := billing.NewService(touchedStore{Store: f.store, db: f.db}, f.gw, billing.Config{
		PendingGrace:      time.Hour,
		ReconcilePageSize: 2,
	}, billing.WithClock(func() time.Time { return f.clock }))
	summary, err := svc.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Mutations)

	for _, c := range []billing.Caller{alice, bob} {
		recs := f.liveRecords(t, c, goldTier)
		require.Len(t, recs, 1, "a record changed after the read is left alone")
		assert.Equal(t, before[c.UserID].Status, recs[0].Status)
		assert.Equal(t, before[c.UserID].Version+1, recs[0].Version)
	}
	assert.False(t, f.hasAccess(t, alice))
}
