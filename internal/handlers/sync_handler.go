package handlers

import (
	"net/http"
	"strconv"

	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SyncHandler exposes queue administration and on-demand reconciliation
type SyncHandler struct {
	worker  *services.SyncWorker
	polling *services.PollingService
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(worker *services.SyncWorker, polling *services.PollingService) *SyncHandler {
	return &SyncHandler{
		worker:  worker,
		polling: polling,
	}
}

// Stats returns queue counts per status
func (h *SyncHandler) Stats(c *gin.Context) {
	stats, err := h.worker.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// Logs returns the delivery attempts of a queue item
func (h *SyncHandler) Logs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	logs, err := h.worker.Logs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  logs,
		"total": len(logs),
	})
}

// Retry puts a failed queue item back in the queue
func (h *SyncHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	item, err := h.worker.RetryFailed(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": item})
}

// Reconcile runs one reconciliation for a store now. force_ghost_cleanup=true adds the full sweep.
func (h *SyncHandler) Reconcile(c *gin.Context) {
	opts := services.PollOptions{}
	if raw := c.Query("force_ghost_cleanup"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid force_ghost_cleanup"})
			return
		}
		opts.ForceGhostCleanup = force
	}

	result, err := h.polling.ReconcileStore(c.Request.Context(), c.Param("source"), c.Param("storeId"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
