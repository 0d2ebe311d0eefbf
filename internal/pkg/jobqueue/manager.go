package jobqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/patronbox/internal/pkg/env"
)

// DefaultReconcileSchedule runs the full sweep every quarter hour.
const DefaultReconcileSchedule = "@every 15m"

// Manager owns the job queue and the cron scheduler that feeds it periodic
// reconciliation sweeps.
type Manager struct {
	queue    *Queue
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

// NewManager creates a manager around queue. An empty schedule falls back to
// RECONCILE_SCHEDULE and then DefaultReconcileSchedule.
func NewManager(queue *Queue, schedule string) *Manager {
	if schedule == "" {
		schedule = env.GetEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule)
	}
	return &Manager{queue: queue, schedule: schedule}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the reconcile scheduler
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.schedule, m.scheduledReconcile); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", m.schedule, err)
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()
	c.Start()
	m.cron = c
	m.running = true
	log.Infof("[JobQueue Manager] Started successfully (reconcile schedule: %s)", m.schedule)
	return nil
}

// Stop stops the scheduler, waits for a running trigger, then stops the queue
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	<-m.cron.Stop().Done()
	m.cron = nil
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) scheduledReconcile() {
	if _, err := m.queue.EnqueueReconcile(context.Background(), ""); err != nil {
		log.Errorf("[JobQueue Manager] Failed to enqueue scheduled reconcile: %v", err)
	}
}

// RunReconcileOnce enqueues a sweep outside the schedule (admin use).
func (m *Manager) RunReconcileOnce(ctx context.Context, creatorID string) (*Job, error) {
	return m.queue.EnqueueReconcile(ctx, creatorID)
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
