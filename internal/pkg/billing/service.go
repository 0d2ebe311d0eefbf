package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/env"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

// Config tunes the billing service.
type Config struct {
	PlatformFeePercent   float64
	PendingGrace         time.Duration
	ReconcileConcurrency int
	ReconcilePageSize    int
	ReconcileLockTTL     time.Duration
}

// ConfigFromEnv reads the BILLING_* and RECONCILE_* settings.
func ConfigFromEnv() Config {
	return Config{
		PlatformFeePercent:   env.GetFloatEnv("BILLING_PLATFORM_FEE_PERCENT", 10),
		PendingGrace:         env.GetDurationEnv("BILLING_PENDING_GRACE_MINUTES", time.Minute, time.Hour),
		ReconcileConcurrency: env.GetIntEnv("RECONCILE_CONCURRENCY", 4),
		ReconcilePageSize:    env.GetIntEnv("RECONCILE_PAGE_SIZE", 100),
		ReconcileLockTTL:     env.GetDurationEnv("RECONCILE_LOCK_TTL_MINUTES", time.Minute, 10*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.PlatformFeePercent < 0 {
		c.PlatformFeePercent = 0
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = time.Hour
	}
	if c.ReconcileConcurrency <= 0 {
		c.ReconcileConcurrency = 4
	}
	if c.ReconcilePageSize <= 0 {
		c.ReconcilePageSize = 100
	}
	if c.ReconcileLockTTL <= 0 {
		c.ReconcileLockTTL = 10 * time.Minute
	}
	return c
}

// Locker serializes reconciliation sweeps across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Service runs the subscription lifecycle against a Gateway and a Store.
type Service struct {
	store   Store
	gateway Gateway
	cfg     Config
	metrics *metrics.Metrics
	locker  Locker
	now     func() time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithMetrics records reconciliation outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLocker guards reconciliation sweeps with l.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from injected collaborators.
func NewService(store Store, gateway Gateway, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:   store,
		gateway: gateway,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for collaborators such as the webhook handler.
func (s *Service) Store() Store {
	return s.store
}

// provisioned is a provider subscription created ahead of its local record.
type provisioned struct {
	sub  *ProviderSubscription
	undo func(context.Context) error
}

func (s *Service) provision(ctx context.Context, in SubscriptionInput) (provisioned, error) {
	sub, err := s.gateway.CreateSubscription(ctx, in)
	if err != nil {
		return provisioned{}, err
	}
	return provisioned{
		sub: sub,
		undo: func(ctx context.Context) error {
			return s.gateway.CancelSubscription(ctx, sub.ID)
		},
	}, nil
}

// compensate cancels a provider subscription whose local write failed.
// Failures are logged once and left for operators; they are never retried.
func (s *Service) compensate(ctx context.Context, p provisioned, cause error) {
	err := p.undo(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, ErrProviderNotFound) {
		log.Errorf("[Billing] Compensation failed, provider subscription %s is orphaned: %v (cause: %v)", p.sub.ID, err, cause)
		return
	}
	log.Warnf("[Billing] Cancelled provider subscription %s after local write failed: %v", p.sub.ID, cause)
}

func conflictAsAlreadySubscribed(err error) error {
	if errors.Is(err, ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", ErrAlreadySubscribed, ErrConcurrencyConflict)
	}
	return err
}

func subscriptionMetadata(userID, creatorID, tierID string) map[string]string {
	return map[string]string{
		MetaUserID:    userID,
		MetaCreatorID: creatorID,
		MetaTierID:    tierID,
	}
}

func (s *Service) loadTier(ctx context.Context, creatorID, tierID string) (*TierInfo, error) {
	tier, err := s.store.GetTier(ctx, creatorID, tierID)
	if err != nil {
		return nil, err
	}
	if tier.PayoutAccountID == "" {
		return nil, ErrPayoutNotConfigured
	}
	return tier, nil
}

// CreateSubscription starts a subscription for caller on the tier and returns
// the client secret that confirms its first payment. A checkout that is still
// payable is resumed instead of creating a second provider subscription.
func (s *Service) CreateSubscription(ctx context.Context, caller Caller, creatorID, tierID string) (*CreateResult, error) {
	if caller.UserID == "" {
		return nil, ErrForbidden
	}
	tier, err := s.loadTier(ctx, creatorID, tierID)
	if err != nil {
		return nil, err
	}

	live, err := s.store.FindLiveRecords(ctx, caller.UserID, creatorID, tierID)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].GrantsAccess() {
			return nil, ErrAlreadySubscribed
		}
	}
	for i := range live {
		res, err := s.resume(ctx, &live[i])
		if err != nil || res != nil {
			return res, err
		}
	}

	customerID, err := s.resolveCustomer(ctx, caller)
	if err != nil {
		return nil, err
	}
	priceID, err := s.resolvePrice(ctx, tier)
	if err != nil {
		return nil, err
	}

	p, err := s.provision(ctx, SubscriptionInput{
		CustomerID:  customerID,
		PriceID:     priceID,
		Destination: tier.PayoutAccountID,
		FeePercent:  s.cfg.PlatformFeePercent,
		Metadata:    subscriptionMetadata(caller.UserID, creatorID, tierID),
	})
	if err != nil {
		return nil, err
	}

	rec := newRecord(caller.UserID, creatorID, tierID, customerID, &tier.Tier, p.sub)
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		s.compensate(ctx, p, err)
		return nil, conflictAsAlreadySubscribed(err)
	}

	log.Infof("[Billing] Created subscription %s for user %s on tier %s", p.sub.ID, caller.UserID, tierID)
	return &CreateResult{
		ClientSecret:   p.sub.ClientSecret,
		SubscriptionID: p.sub.ID,
		RecordID:       rec.ID,
	}, nil
}

// resume returns a result when rec can still be paid, ErrAlreadySubscribed
// when the provider already activated it, and (nil, nil) after discarding a
// stale record so the caller falls through to a fresh creation.
func (s *Service) resume(ctx context.Context, rec *models.SubscriptionRecord) (*CreateResult, error) {
	if !rec.IsProviderBilled() {
		return nil, s.discard(ctx, rec)
	}

	sub, err := s.gateway.GetSubscription(ctx, rec.ExternalID())
	switch {
	case errors.Is(err, ErrProviderNotFound):
		return nil, s.discard(ctx, rec)
	case err != nil:
		return nil, err
	}

	if isResumable(sub) {
		log.Infof("[Billing] Resuming checkout for subscription %s", sub.ID)
		return &CreateResult{
			ClientSecret:   sub.ClientSecret,
			SubscriptionID: sub.ID,
			RecordID:       rec.ID,
			Resumed:        true,
		}, nil
	}

	if isEntitlingStatus(sub.Status) {
		next := *rec
		applyProviderState(&next, sub, classify(sub, rec.CreatedAt, s.now(), s.cfg.PendingGrace))
		if err := s.store.UpdateRecord(ctx, &next, rec.Version); err != nil && !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		return nil, ErrAlreadySubscribed
	}

	if normalizeStatus(sub.Status) == ProviderStatusIncomplete {
		if err := s.gateway.CancelSubscription(ctx, sub.ID); err != nil && !errors.Is(err, ErrProviderNotFound) {
			log.Warnf("[Billing] Could not cancel abandoned subscription %s: %v", sub.ID, err)
		}
	}
	return nil, s.discard(ctx, rec)
}

func (s *Service) discard(ctx context.Context, rec *models.SubscriptionRecord) error {
	if err := s.store.DeleteRecord(ctx, rec); err != nil {
		return conflictAsAlreadySubscribed(err)
	}
	log.Infof("[Billing] Discarded stale subscription record %d", rec.ID)
	return nil
}

func (s *Service) resolveCustomer(ctx context.Context, caller Caller) (string, error) {
	id, err := s.store.GetCustomerID(ctx, caller.UserID)
	if err != nil || id != "" {
		return id, err
	}
	id, err = s.gateway.CreateCustomer(ctx, caller.UserID, caller.Email)
	if err != nil {
		return "", err
	}
	return s.store.SaveCustomerID(ctx, caller.UserID, id, caller.Email)
}

func (s *Service) resolvePrice(ctx context.Context, tier *TierInfo) (string, error) {
	if tier.Tier.ProviderPriceID != nil && *tier.Tier.ProviderPriceID != "" {
		return *tier.Tier.ProviderPriceID, nil
	}
	name := tier.Tier.Name
	if name == "" {
		name = "Tier " + tier.Tier.ID
	}
	id, err := s.gateway.CreatePrice(ctx, PriceInput{
		TierID:      tier.Tier.ID,
		ProductName: name,
		AmountCents: tier.Tier.AmountCents,
		Currency:    tier.Tier.Currency,
	})
	if err != nil {
		return "", err
	}
	return s.store.SaveTierPriceID(ctx, tier.Tier.ID, id)
}

func newRecord(userID, creatorID, tierID, customerID string, tier *models.Tier, sub *ProviderSubscription) *models.SubscriptionRecord {
	externalID := sub.ID
	rec := &models.SubscriptionRecord{
		UserID:                 userID,
		CreatorID:              creatorID,
		TierID:                 tierID,
		ExternalSubscriptionID: &externalID,
		Status:                 models.SubscriptionStatusIncomplete,
		AmountCents:            tier.AmountCents,
		Currency:               strings.ToLower(tier.Currency),
		PeriodStart:            copyTime(sub.PeriodStart),
		PeriodEnd:              copyTime(sub.PeriodEnd),
	}
	if customerID == "" {
		customerID = sub.CustomerID
	}
	if customerID != "" {
		rec.ExternalCustomerID = &customerID
	}
	if isEntitlingStatus(sub.Status) {
		rec.Status = models.SubscriptionStatusActive
		if sub.CancelAtPeriodEnd || sub.CancelAt != nil {
			rec.Status = models.SubscriptionStatusCancelling
			rec.CancelAt = cancelTime(sub, nil)
		}
	}
	return rec
}

// PreparePaymentSetup creates the payment-setup artifact that
// CompleteSubscription later turns into a subscription. replaceRecordID names
// a subscription of the caller that the new one supersedes, or 0.
func (s *Service) PreparePaymentSetup(ctx context.Context, caller Caller, creatorID, tierID string, replaceRecordID uint) (*SetupResult, error) {
	if caller.UserID == "" {
		return nil, ErrForbidden
	}
	if _, err := s.loadTier(ctx, creatorID, tierID); err != nil {
		return nil, err
	}

	meta := subscriptionMetadata(caller.UserID, creatorID, tierID)
	replacedExternalID := ""
	if replaceRecordID != 0 {
		old, err := s.loadOwned(ctx, caller, replaceRecordID)
		if err != nil {
			return nil, err
		}
		if old.CreatorID != creatorID {
			return nil, ErrRecordNotFound
		}
		replacedExternalID = old.ExternalID()
		if replacedExternalID != "" {
			meta[MetaReplacesSubID] = replacedExternalID
		}
	}

	live, err := s.store.FindLiveRecords(ctx, caller.UserID, creatorID, tierID)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].GrantsAccess() && live[i].ExternalID() != replacedExternalID {
			return nil, ErrAlreadySubscribed
		}
	}

	customerID, err := s.resolveCustomer(ctx, caller)
	if err != nil {
		return nil, err
	}
	si, err := s.gateway.CreateSetupIntent(ctx, customerID, meta)
	if err != nil {
		return nil, err
	}
	return &SetupResult{SetupArtifactID: si.ID, ClientSecret: si.ClientSecret}, nil
}

// CompleteSubscription turns a succeeded payment setup into an active
// subscription. The local record is upserted by external id because a
// webhook or the reconciliation job may have written it first.
func (s *Service) CompleteSubscription(ctx context.Context, caller Caller, setupArtifactID string) (*CompleteResult, error) {
	si, err := s.gateway.GetSetupIntent(ctx, setupArtifactID)
	if errors.Is(err, ErrProviderNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	userID := si.Metadata[MetaUserID]
	creatorID := si.Metadata[MetaCreatorID]
	tierID := si.Metadata[MetaTierID]
	if userID == "" || userID != caller.UserID || creatorID == "" || tierID == "" {
		return nil, ErrRecordNotFound
	}
	if normalizeStatus(si.Status) != SetupStatusSucceeded || si.PaymentMethodID == "" {
		return nil, ErrPaymentNotConfirmed
	}

	tier, err := s.loadTier(ctx, creatorID, tierID)
	if err != nil {
		return nil, err
	}

	replaced := si.Metadata[MetaReplacesSubID]
	live, err := s.store.FindLiveRecords(ctx, userID, creatorID, tierID)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].GrantsAccess() && live[i].ExternalID() != replaced {
			return nil, ErrAlreadySubscribed
		}
	}

	if replaced != "" {
		s.retire(ctx, replaced, "replaced")
	}
	for i := range live {
		if !live[i].GrantsAccess() && live[i].ExternalID() != replaced {
			s.retire(ctx, live[i].ExternalID(), "superseded")
			if !live[i].IsProviderBilled() {
				if err := s.store.DeleteRecord(ctx, &live[i]); err != nil {
					log.Warnf("[Billing] Could not remove superseded record %d: %v", live[i].ID, err)
				}
			}
		}
	}

	customerID := si.CustomerID
	if customerID == "" {
		if customerID, err = s.resolveCustomer(ctx, caller); err != nil {
			return nil, err
		}
	}
	priceID, err := s.resolvePrice(ctx, tier)
	if err != nil {
		return nil, err
	}

	p, err := s.provision(ctx, SubscriptionInput{
		CustomerID:      customerID,
		PriceID:         priceID,
		Destination:     tier.PayoutAccountID,
		FeePercent:      s.cfg.PlatformFeePercent,
		Metadata:        subscriptionMetadata(userID, creatorID, tierID),
		PaymentMethodID: si.PaymentMethodID,
		IdempotencyKey:  "complete:" + si.ID,
	})
	if err != nil {
		return nil, err
	}

	rec := newRecord(userID, creatorID, tierID, customerID, &tier.Tier, p.sub)
	if err := s.store.UpsertRecord(ctx, rec); err != nil {
		// A concurrent completion of the same setup gets the same provider
		// subscription back; its record is the result, not an orphan.
		if existing := s.recordedBy(ctx, p.sub.ID, err); existing != nil {
			log.Infof("[Billing] Subscription %s was already completed as record %d", p.sub.ID, existing.ID)
			return &CompleteResult{SubscriptionID: p.sub.ID, RecordID: existing.ID, Status: existing.Status}, nil
		}
		s.compensate(ctx, p, err)
		return nil, conflictAsAlreadySubscribed(err)
	}

	log.Infof("[Billing] Completed subscription %s for user %s (status %s)", p.sub.ID, userID, rec.Status)
	return &CompleteResult{SubscriptionID: p.sub.ID, RecordID: rec.ID, Status: rec.Status}, nil
}

// recordedBy returns the stored record of externalID when a write conflict was
// caused by that very subscription being stored concurrently.
func (s *Service) recordedBy(ctx context.Context, externalID string, cause error) *models.SubscriptionRecord {
	if !errors.Is(cause, ErrConcurrencyConflict) {
		return nil
	}
	rec, err := s.store.GetRecordByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			log.Warnf("[Billing] Could not look up subscription %s after conflict: %v", externalID, err)
		}
		return nil
	}
	return rec
}

// retire cancels a provider subscription immediately and drops its local
// record. Failures are logged and ignored.
func (s *Service) retire(ctx context.Context, externalID, reason string) {
	if externalID == "" {
		return
	}
	if err := s.gateway.CancelSubscription(ctx, externalID); err != nil && !errors.Is(err, ErrProviderNotFound) {
		log.Warnf("[Billing] Could not cancel %s subscription %s: %v", reason, externalID, err)
		return
	}
	rec, err := s.store.GetRecordByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			log.Warnf("[Billing] Could not load %s subscription %s: %v", reason, externalID, err)
		}
		return
	}
	if err := s.store.DeleteRecord(ctx, rec); err != nil {
		log.Warnf("[Billing] Could not remove %s subscription record %d: %v", reason, rec.ID, err)
	}
}

// ListSubscriptions returns the caller's subscription records, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, caller Caller) ([]SubscriptionSummary, error) {
	recs, err := s.store.ListByUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, SubscriptionSummary{
			ID:                     rec.ID,
			CreatorID:              rec.CreatorID,
			TierID:                 rec.TierID,
			Status:                 rec.Status,
			ExternalSubscriptionID: rec.ExternalID(),
			AmountCents:            rec.AmountCents,
			Currency:               rec.Currency,
			PeriodEnd:              rec.PeriodEnd,
			CancelAt:               rec.CancelAt,
		})
	}
	return out, nil
}

// CheckAccess reports whether caller currently has paid access to creatorID.
func (s *Service) CheckAccess(ctx context.Context, caller Caller, creatorID string) (AccessState, error) {
	return s.store.GetAccess(ctx, caller.UserID, creatorID, s.now())
}

// GrantManualAccess records an unbilled subscription for userID. It reports
// false when the user already holds access to the tier.
func (s *Service) GrantManualAccess(ctx context.Context, caller Caller, userID, creatorID, tierID string) (bool, error) {
	if !caller.IsAdmin {
		return false, ErrForbidden
	}
	tier, err := s.store.GetTier(ctx, creatorID, tierID)
	if err != nil {
		return false, err
	}

	live, err := s.store.FindLiveRecords(ctx, userID, creatorID, tierID)
	if err != nil {
		return false, err
	}
	for i := range live {
		if live[i].GrantsAccess() {
			return false, nil
		}
	}
	if len(live) > 0 {
		return false, ErrAlreadySubscribed
	}

	rec := &models.SubscriptionRecord{
		UserID:    userID,
		CreatorID: creatorID,
		TierID:    tierID,
		Status:    models.SubscriptionStatusActive,
		Currency:  strings.ToLower(tier.Tier.Currency),
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return false, nil
		}
		return false, err
	}
	log.Infof("[Billing] Admin %s granted manual access to user %s on tier %s", caller.UserID, userID, tierID)
	return true, nil
}
