package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/patronbox/internal/pkg/billing"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

type fakeProcessor struct {
	mu           sync.Mutex
	reconciled   []string
	synced       []string
	reconcileErr error
	syncErr      error
	summary      billing.SyncSummary
}

func (p *fakeProcessor) Reconcile(_ context.Context, creatorID string) (*billing.SyncSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciled = append(p.reconciled, creatorID)
	if p.reconcileErr != nil {
		return nil, p.reconcileErr
	}
	summary := p.summary
	return &summary, nil
}

func (p *fakeProcessor) SyncExternal(_ context.Context, externalID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = append(p.synced, externalID)
	if p.syncErr != nil {
		return "failed", p.syncErr
	}
	return "synced", nil
}

func (p *fakeProcessor) calls() (reconciled, synced []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reconciled...), append([]string(nil), p.synced...)
}

func newTestQueue(t *testing.T, workers int) (*Queue, *fakeProcessor, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	proc := &fakeProcessor{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	q := NewQueue(client, proc, workers, m)
	q.retryDelay = 10 * time.Millisecond
	return q, proc, mr, m
}

// waitForCondition waits for a condition to be true with timeout
func waitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
