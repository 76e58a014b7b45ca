package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qmtlab/qmt-bridge-go/internal/database"
	"github.com/qmtlab/qmt-bridge-go/internal/models"
	"github.com/qmtlab/qmt-bridge-go/internal/services"
)

// SchedulerHandler exposes the scheduler's state. runs may be nil when run
// history persistence is disabled.
type SchedulerHandler struct {
	scheduler *services.Scheduler
	runs      *database.TaskRunRepository
}

func NewSchedulerHandler(scheduler *services.Scheduler, runs *database.TaskRunRepository) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		runs:      runs,
	}
}

// GetStatus handles GET /api/v1/scheduler/status.
func (h *SchedulerHandler) GetStatus(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"status":  h.scheduler.Status(),
	})
}

// GetRuns handles GET /api/v1/scheduler/runs. Optional query parameters:
// task (task key filter) and limit (default 50).
func (h *SchedulerHandler) GetRuns(c *gin.Context) {
	if h.runs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is not enabled"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.runs.RecentRuns(c.Request.Context(), models.TaskKey(c.Query("task")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  entries,
		"count": len(entries),
	})
}
