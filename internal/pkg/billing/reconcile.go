package billing

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/patronbox/app/models"
)

const reconcileLockPrefix = "lock:reconcile:"

type recordOutcome struct {
	class   classification
	failed  bool
	skipped bool
	mutated bool
}

// SyncAll reconciles the records of one creator, or of everyone when
// creatorID is empty. Only admins may sweep beyond their own creator scope.
func (s *Service) SyncAll(ctx context.Context, caller Caller, creatorID string) (*SyncSummary, error) {
	if !caller.IsAdmin && (creatorID == "" || creatorID != caller.UserID) {
		return nil, ErrForbidden
	}
	return s.Reconcile(ctx, creatorID)
}

// Reconcile brings every provider-billed record in scope in line with the
// provider. Records are fetched page by page and updated optimistically; a
// record that moved since it was read is skipped until the next sweep.
func (s *Service) Reconcile(ctx context.Context, creatorID string) (*SyncSummary, error) {
	started := time.Now()
	if s.locker != nil {
		release, acquired, err := s.locker.Acquire(ctx, reconcileLockPrefix+scopeName(creatorID), s.cfg.ReconcileLockTTL)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, ErrReconcileRunning
		}
		defer release()
	}

	var synced, pending, cleaned, failed, skipped, mutations atomic.Int64
	var afterID uint
	var sweepErr error
	for {
		page, err := s.store.ListReconcilable(ctx, creatorID, afterID, s.cfg.ReconcilePageSize)
		if err != nil {
			sweepErr = err
			break
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.ReconcileConcurrency)
		for i := range page {
			rec := page[i]
			g.Go(func() error {
				out := s.reconcileRecord(gctx, &rec)
				switch {
				case out.failed:
					failed.Add(1)
				case out.skipped:
					skipped.Add(1)
				case out.class == classPending:
					pending.Add(1)
				case out.class == classStale:
					cleaned.Add(1)
				default:
					synced.Add(1)
				}
				if out.mutated {
					mutations.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			sweepErr = err
			break
		}
		afterID = page[len(page)-1].ID
		if len(page) < s.cfg.ReconcilePageSize {
			break
		}
	}

	summary := &SyncSummary{
		Synced:    int(synced.Load()),
		Pending:   int(pending.Load()),
		Cleaned:   int(cleaned.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
		Mutations: int(mutations.Load()),
	}
	s.metrics.AddReconcileOutcome("synced", summary.Synced)
	s.metrics.AddReconcileOutcome("pending", summary.Pending)
	s.metrics.AddReconcileOutcome("cleaned", summary.Cleaned)
	s.metrics.AddReconcileOutcome("failed", summary.Failed)
	s.metrics.AddReconcileOutcome("skipped", summary.Skipped)
	s.metrics.ObserveReconcileRun(creatorID, sweepErr)

	log.Infof("[Reconcile] Scope %s: synced=%d pending=%d cleaned=%d failed=%d skipped=%d in %v",
		scopeName(creatorID), summary.Synced, summary.Pending, summary.Cleaned, summary.Failed, summary.Skipped, time.Since(started))
	if sweepErr != nil {
		return summary, sweepErr
	}
	return summary, nil
}

// SyncExternal reconciles the single record holding externalID. It returns
// "ignored" when no local record exists yet.
func (s *Service) SyncExternal(ctx context.Context, externalID string) (string, error) {
	rec, err := s.store.GetRecordByExternalID(ctx, externalID)
	if errors.Is(err, ErrRecordNotFound) {
		return "ignored", nil
	}
	if err != nil {
		return "", err
	}

	out := s.reconcileRecord(ctx, rec)
	switch {
	case out.failed:
		return "failed", ErrProviderCallFailed
	case out.skipped:
		return "skipped", nil
	default:
		return out.class.String(), nil
	}
}

func (s *Service) reconcileRecord(ctx context.Context, rec *models.SubscriptionRecord) recordOutcome {
	sub, err := s.gateway.GetSubscription(ctx, rec.ExternalID())
	if err != nil && !errors.Is(err, ErrProviderNotFound) {
		log.Warnf("[Reconcile] Provider lookup failed for %s: %v", rec.ExternalID(), err)
		return recordOutcome{failed: true}
	}

	class := classStale
	if err == nil {
		class = classify(sub, rec.CreatedAt, s.now(), s.cfg.PendingGrace)
	}

	if class == classStale {
		if err := s.store.DeleteRecord(ctx, rec); err != nil {
			return s.writeFailure(rec, class, err)
		}
		log.Infof("[Reconcile] Removed stale subscription %s (record %d)", rec.ExternalID(), rec.ID)
		return recordOutcome{class: class, mutated: true}
	}

	next := *rec
	applyProviderState(&next, sub, class)
	if !recordChanged(rec, &next) {
		return recordOutcome{class: class}
	}
	if err := s.store.UpdateRecord(ctx, &next, rec.Version); err != nil {
		return s.writeFailure(rec, class, err)
	}
	return recordOutcome{class: class, mutated: true}
}

func (s *Service) writeFailure(rec *models.SubscriptionRecord, class classification, err error) recordOutcome {
	if errors.Is(err, ErrConcurrencyConflict) {
		log.Debugf("[Reconcile] Record %d changed during sweep, skipping", rec.ID)
		return recordOutcome{class: class, skipped: true}
	}
	log.Errorf("[Reconcile] Could not write record %d: %v", rec.ID, err)
	return recordOutcome{class: class, failed: true}
}

func recordChanged(a, b *models.SubscriptionRecord) bool {
	return a.Status != b.Status ||
		!timePtrEqual(a.CancelAt, b.CancelAt) ||
		!timePtrEqual(a.PeriodStart, b.PeriodStart) ||
		!timePtrEqual(a.PeriodEnd, b.PeriodEnd) ||
		(a.ExternalCustomerID == nil) != (b.ExternalCustomerID == nil)
}

func scopeName(creatorID string) string {
	if creatorID == "" {
		return "all"
	}
	return "creator:" + creatorID
}
