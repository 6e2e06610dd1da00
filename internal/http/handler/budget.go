package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"planloom.app/agent/internal/governor"
)

// BudgetHandler exposes the derived budget position for a user/workspace
// pair so clients can warn before a run is rejected.
type BudgetHandler struct {
	gov *governor.Governor
}

func NewBudgetHandler(gov *governor.Governor) *BudgetHandler {
	return &BudgetHandler{gov: gov}
}

func (h *BudgetHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	workspaceID, err := strconv.ParseInt(c.Query("workspace_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace_id is required"})
		return
	}

	status, err := h.gov.CheckBudget(ctx, userID, workspaceID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to check budget", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check budget"})
		return
	}

	c.JSON(http.StatusOK, status)
}
