package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"planloom.app/agent/internal/http/dto"
	"planloom.app/agent/internal/model"
	"planloom.app/agent/internal/queue"
	"planloom.app/agent/internal/store"
)

// MessageHandler is the enqueue edge: it accepts a user message for a
// thread and hands it to the queue. Processing happens in the worker.
type MessageHandler struct {
	threads  store.ThreadStore
	producer queue.Producer
}

func NewMessageHandler(threads store.ThreadStore, producer queue.Producer) *MessageHandler {
	return &MessageHandler{threads: threads, producer: producer}
}

func (h *MessageHandler) Post(c *gin.Context) {
	ctx := c.Request.Context()

	threadID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return
	}

	var req dto.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid message request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	thread, err := h.threads.GetByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load thread", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}

	if thread.WorkspaceID != req.WorkspaceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "thread not in workspace"})
		return
	}

	role := model.ActorRole(req.UserRole)
	if req.UserRole != "" && !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_role"})
		return
	}

	task := queue.RunTask{
		ThreadID:    thread.ID,
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		UserRole:    req.UserRole,
		Content:     req.Content,
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		traceID := spanCtx.TraceID().String()
		task.TraceID = &traceID
	}

	if err := h.producer.Enqueue(ctx, task); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue run task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue message"})
		return
	}

	c.JSON(http.StatusAccepted, dto.PostMessageResponse{
		ThreadID: thread.ID,
		Enqueued: true,
	})
}
