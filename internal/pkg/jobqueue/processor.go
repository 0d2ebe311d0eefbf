package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
)

// Processor is the billing surface the queue drives. *billing.Service implements it.
type Processor interface {
	Reconcile(ctx context.Context, creatorID string) (*billing.SyncSummary, error)
	SyncExternal(ctx context.Context, externalID string) (string, error)
}

var errNoProcessor = errors.New("no job processor configured")

func (q *Queue) dispatch(ctx context.Context, job *Job) error {
	if q.processor == nil {
		return errNoProcessor
	}
	switch job.Type {
	case JobTypeReconcileSubscriptions:
		return q.processReconcileJob(ctx, job)
	case JobTypeSyncSubscription:
		return q.processSyncJob(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (q *Queue) processReconcileJob(ctx context.Context, job *Job) error {
	payload, err := ReconcileSubscriptionsJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid reconcile payload: %w", err)
	}

	summary, err := q.processor.Reconcile(ctx, payload.CreatorID)
	if errors.Is(err, billing.ErrReconcileRunning) {
		// Another sweep owns the scope and will cover the same records.
		log.Infof("[JobQueue] Reconcile job %s skipped: sweep already running", job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		log.Warnf("[JobQueue] Reconcile job %s finished with %d failed records", job.ID, summary.Failed)
	}
	return nil
}

func (q *Queue) processSyncJob(ctx context.Context, job *Job) error {
	payload, err := SyncSubscriptionJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid sync payload: %w", err)
	}
	externalID := strings.TrimSpace(payload.ExternalSubscriptionID)
	if externalID == "" {
		return errors.New("sync payload is missing external_subscription_id")
	}

	outcome, err := q.processor.SyncExternal(ctx, externalID)
	if err != nil {
		return err
	}
	log.Debugf("[JobQueue] Sync job %s for %s: %s", job.ID, externalID, outcome)
	return nil
}

// EnqueueReconcile schedules a sweep for creatorID, or for everyone when empty.
func (q *Queue) EnqueueReconcile(ctx context.Context, creatorID string) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeReconcileSubscriptions, ReconcileSubscriptionsJobPayload{
		CreatorID: strings.TrimSpace(creatorID),
	}.ToMap())
}

// EnqueueSubscriptionSync schedules a refresh of one provider subscription.
func (q *Queue) EnqueueSubscriptionSync(ctx context.Context, externalID string) (*Job, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, errors.New("external subscription id is required")
	}
	return q.EnqueueJob(ctx, JobTypeSyncSubscription, SyncSubscriptionJobPayload{
		ExternalSubscriptionID: externalID,
	}.ToMap())
}
