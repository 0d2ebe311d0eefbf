package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/app/models"
)

const (
	msgCancelledAtPeriodEnd   = "Subscription cancelled. Access ends at period end."
	msgCancelledImmediately   = "Subscription cancelled immediately."
	maxOptimisticUpdateTrials = 3
)

func (s *Service) loadOwned(ctx context.Context, caller Caller, recordID uint) (*models.SubscriptionRecord, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != caller.UserID && !caller.IsAdmin {
		return nil, ErrForbidden
	}
	return rec, nil
}

// mutateRecord reloads the record and applies mutate until the optimistic
// update succeeds. mutate returns false to leave the record untouched.
func (s *Service) mutateRecord(ctx context.Context, id uint, mutate func(*models.SubscriptionRecord) bool) (*models.SubscriptionRecord, error) {
	var lastErr error
	for i := 0; i < maxOptimisticUpdateTrials; i++ {
		rec, err := s.store.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := rec.Version
		if !mutate(rec) {
			return rec, nil
		}
		lastErr = s.store.UpdateRecord(ctx, rec, expected)
		if lastErr == nil {
			return rec, nil
		}
		if !errors.Is(lastErr, ErrConcurrencyConflict) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// CancelSubscription ends a subscription owned by caller. Provider-billed
// subscriptions run until the end of the paid period unless immediate is set;
// unbilled ones and unpaid checkouts end at once.
func (s *Service) CancelSubscription(ctx context.Context, caller Caller, recordID uint, immediate bool) (*CancelResult, error) {
	rec, err := s.loadOwned(ctx, caller, recordID)
	if err != nil {
		return nil, err
	}

	if !rec.IsProviderBilled() {
		if err := s.store.DeleteRecord(ctx, rec); err != nil {
			return nil, err
		}
		log.Infof("[Billing] Removed unbilled subscription record %d", rec.ID)
		return &CancelResult{Success: true, Message: msgCancelledImmediately, Immediate: true}, nil
	}

	switch rec.Status {
	case models.SubscriptionStatusIncomplete, models.SubscriptionStatusPending:
		immediate = true
	case models.SubscriptionStatusActive:
	case models.SubscriptionStatusCancelling:
		if !immediate {
			return &CancelResult{Success: true, Message: msgCancelledAtPeriodEnd, CancelAt: rec.CancelAt}, nil
		}
	default:
		return nil, ErrRecordNotFound
	}

	if immediate {
		if err := s.gateway.CancelSubscription(ctx, rec.ExternalID()); err != nil && !errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		if err := s.store.DeleteRecord(ctx, rec); err != nil {
			return nil, err
		}
		log.Infof("[Billing] Cancelled subscription %s immediately", rec.ExternalID())
		return &CancelResult{Success: true, Message: msgCancelledImmediately, Immediate: true}, nil
	}

	sub, err := s.gateway.SetCancelAtPeriodEnd(ctx, rec.ExternalID(), true)
	if errors.Is(err, ErrProviderNotFound) {
		if err := s.store.DeleteRecord(ctx, rec); err != nil {
			return nil, err
		}
		return &CancelResult{Success: true, Message: msgCancelledImmediately, Immediate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.mutateRecord(ctx, rec.ID, func(r *models.SubscriptionRecord) bool {
		applyProviderState(r, sub, classSyncedCancelling)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("provider cancellation of %s scheduled but local update failed: %w", rec.ExternalID(), err)
	}

	log.Infof("[Billing] Subscription %s scheduled to cancel at period end", rec.ExternalID())
	return &CancelResult{Success: true, Message: msgCancelledAtPeriodEnd, CancelAt: updated.CancelAt}, nil
}

// ReactivateSubscription clears a scheduled cancellation while the paid
// period is still running.
func (s *Service) ReactivateSubscription(ctx context.Context, caller Caller, recordID uint) (*ReactivateResult, error) {
	rec, err := s.loadOwned(ctx, caller, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.IsProviderBilled() || rec.Status != models.SubscriptionStatusCancelling {
		return nil, ErrCannotReactivate
	}
	if rec.CancelAt != nil && !s.now().Before(*rec.CancelAt) {
		return nil, ErrCannotReactivate
	}

	sub, err := s.gateway.GetSubscription(ctx, rec.ExternalID())
	if errors.Is(err, ErrProviderNotFound) {
		return nil, ErrCannotReactivate
	}
	if err != nil {
		return nil, err
	}
	if !isEntitlingStatus(sub.Status) {
		return nil, ErrCannotReactivate
	}

	sub, err = s.gateway.SetCancelAtPeriodEnd(ctx, rec.ExternalID(), false)
	if errors.Is(err, ErrProviderNotFound) {
		return nil, ErrCannotReactivate
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.mutateRecord(ctx, rec.ID, func(r *models.SubscriptionRecord) bool {
		applyProviderState(r, sub, classSynced)
		return true
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Billing] Subscription %s reactivated", rec.ExternalID())
	return &ReactivateResult{Success: true, PeriodEnd: updated.PeriodEnd}, nil
}

// VerifySubscription reads the provider state of a subscription the caller
// owns. It never writes to the store.
func (s *Service) VerifySubscription(ctx context.Context, caller Caller, externalID string) (*VerifyResult, error) {
	sub, err := s.gateway.GetSubscription(ctx, externalID)
	if errors.Is(err, ErrProviderNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin && !s.ownsExternal(ctx, caller, sub) {
		return nil, ErrRecordNotFound
	}

	return &VerifyResult{
		IsActive:          isEntitlingStatus(sub.Status),
		Status:            normalizeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodEnd:         sub.PeriodEnd,
	}, nil
}

func (s *Service) ownsExternal(ctx context.Context, caller Caller, sub *ProviderSubscription) bool {
	if caller.UserID == "" {
		return false
	}
	if owner := sub.Metadata[MetaUserID]; owner != "" {
		return owner == caller.UserID
	}
	rec, err := s.store.GetRecordByExternalID(ctx, sub.ID)
	return err == nil && rec.UserID == caller.UserID
}

// applyProviderState copies provider truth for the given classification onto rec.
func applyProviderState(rec *models.SubscriptionRecord, sub *ProviderSubscription, class classification) {
	if sub.PeriodStart != nil {
		rec.PeriodStart = copyTime(sub.PeriodStart)
	}
	if sub.PeriodEnd != nil {
		rec.PeriodEnd = copyTime(sub.PeriodEnd)
	}
	if rec.ExternalCustomerID == nil && sub.CustomerID != "" {
		customerID := sub.CustomerID
		rec.ExternalCustomerID = &customerID
	}
	switch class {
	case classSynced:
		rec.Status = models.SubscriptionStatusActive
		rec.CancelAt = nil
	case classSyncedCancelling:
		rec.Status = models.SubscriptionStatusCancelling
		rec.CancelAt = cancelTime(sub, rec.PeriodEnd)
	case classPending:
		rec.Status = models.SubscriptionStatusPending
	}
}

// cancelTime is when a scheduled cancellation takes effect.
func cancelTime(sub *ProviderSubscription, fallback *time.Time) *time.Time {
	switch {
	case sub.CancelAt != nil:
		return copyTime(sub.CancelAt)
	case sub.PeriodEnd != nil:
		return copyTime(sub.PeriodEnd)
	default:
		return copyTime(fallback)
	}
}
