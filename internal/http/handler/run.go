package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"planloom.app/agent/internal/store"
)

// RunHandler exposes run status reads and external cancellation.
type RunHandler struct {
	runs store.RunStore
}

func NewRunHandler(runs store.RunStore) *RunHandler {
	return &RunHandler{runs: runs}
}

func (h *RunHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	run, err := h.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load run", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	c.JSON(http.StatusOK, run)
}

// Cancel transitions a non-terminal run to cancelled. Cancellation is
// best-effort: it primarily prevents further progress, while an in-flight
// provider call is bounded by the worker's own timeout.
func (h *RunHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	if err := h.runs.MarkCancelled(ctx, runID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}
		slog.ErrorContext(ctx, "failed to cancel run", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
