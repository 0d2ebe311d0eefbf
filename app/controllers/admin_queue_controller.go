package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/patronbox/internal/pkg/jobqueue"
)

// AdminQueueController exposes the background queue to operators.
type AdminQueueController struct {
	manager *jobqueue.Manager
}

// NewAdminQueueController creates a new admin queue controller
func NewAdminQueueController(manager *jobqueue.Manager) *AdminQueueController {
	return &AdminQueueController{manager: manager}
}

// HandleQueueStats returns job counters and queue depths.
func (aqc *AdminQueueController) HandleQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	queue := aqc.manager.GetQueue()

	stats, err := queue.GetJobStats(ctx)
	if err != nil {
		return aqc.handleError(c, "Failed to read job stats", err)
	}
	pending, err := queue.GetQueueSize(ctx)
	if err != nil {
		return aqc.handleError(c, "Failed to read queue size", err)
	}
	processing, err := queue.GetProcessingSize(ctx)
	if err != nil {
		return aqc.handleError(c, "Failed to read processing size", err)
	}

	return c.JSON(fiber.Map{
		"stats":             stats,
		"queue_size":        pending,
		"processing_size":   processing,
		"scheduler_running": aqc.manager.IsRunning(),
	})
}

// HandleGetJob returns one job by id.
func (aqc *AdminQueueController) HandleGetJob(c *fiber.Ctx) error {
	job, err := aqc.manager.GetQueue().GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, redis.Nil) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
	}
	if err != nil {
		return aqc.handleError(c, "Failed to read job", err)
	}
	return c.JSON(job)
}

// HandleTriggerReconcile enqueues a sweep outside the schedule. An optional
// creator_id query parameter narrows the scope.
func (aqc *AdminQueueController) HandleTriggerReconcile(c *fiber.Ctx) error {
	creatorID := strings.TrimSpace(c.Query("creator_id"))
	job, err := aqc.manager.RunReconcileOnce(c.UserContext(), creatorID)
	if err != nil {
		return aqc.handleError(c, "Failed to enqueue reconciliation", err)
	}
	log.Infof("[Admin] Reconciliation job %s queued (scope=%q)", job.ID, creatorID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "creator_id": creatorID})
}

// handleError is a helper method for consistent error handling
func (aqc *AdminQueueController) handleError(c *fiber.Ctx, message string, err error) error {
	log.Errorf("[Admin] %s: %v", message, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "queue_unavailable",
		"message": message,
	})
}
