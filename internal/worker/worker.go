// Package worker is the externally-scheduled, retryable unit of work:
// it consumes run tasks from the queue, drives the orchestrator, and maps
// the error taxonomy onto ack / backoff-requeue / DLQ.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"planloom.app/agent/common/logger"
	"planloom.app/agent/internal/agent"
	"planloom.app/agent/internal/model"
	"planloom.app/agent/internal/queue"
)

type Config struct {
	MaxAttempts int
	// Backoff delays by attempt number; the last entry repeats.
	Backoff []time.Duration
	// RunTimeout bounds one orchestration attempt end to end.
	RunTimeout time.Duration
}

// Orchestrator is the run pipeline the worker drives. Narrowed to an
// interface so tests can substitute the pipeline.
type Orchestrator interface {
	ProcessMessage(ctx context.Context, threadID int64, text string, actor model.Actor) (*model.Run, error)
}

type Worker struct {
	consumer     *queue.RedisConsumer
	orchestrator Orchestrator
	cfg          Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, orchestrator Orchestrator, cfg Config) *Worker {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Worker{
		consumer:     consumer,
		orchestrator: orchestrator,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.processMessageSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"thread_id", msg.Task.ThreadID)
			w.handleFailedMessage(ctx, msg, err)
			continue
		}

		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			// Message will be redelivered, but the completion flag keeps
			// the stream idempotent across that retry.
			slog.WarnContext(ctx, "failed to ACK message",
				"error", ackErr,
				"message_id", msg.ID)
		}
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"thread_id", msg.Task.ThreadID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs one orchestration attempt for a queued task.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msg.ID,
		Component: "agent.worker",
	})

	slog.InfoContext(ctx, "processing run task",
		"thread_id", msg.Task.ThreadID,
		"user_id", msg.Task.UserID,
		"attempt", msg.Attempt)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	actor := model.Actor{
		ID:          msg.Task.UserID,
		WorkspaceID: msg.Task.WorkspaceID,
		Role:        model.ActorRole(msg.Task.UserRole),
	}
	if !actor.Role.Valid() {
		actor.Role = model.ActorRoleClient // unknown roles get the most restricted tier
	}

	run, err := w.orchestrator.ProcessMessage(runCtx, msg.Task.ThreadID, msg.Task.Content, actor)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "run task completed",
		"run_id", run.ID,
		"tokens_used", run.TokensIn+run.TokensOut,
		"cost_cents", run.CostCents)
	return nil
}

// handleFailedMessage applies the retry policy: non-retryable gate
// rejections are dropped (acked), retryable failures requeue on the backoff
// schedule until attempts run out, then go to the DLQ.
func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if !agent.IsRetryable(err) {
		slog.InfoContext(ctx, "non-retryable failure, dropping task",
			"message_id", msg.ID,
			"code", string(agent.CodeOf(err)))
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			slog.ErrorContext(ctx, "failed to ACK non-retryable message", "error", ackErr)
		}
		return
	}

	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"thread_id", msg.Task.ThreadID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed task",
		"message_id", msg.ID,
		"thread_id", msg.Task.ThreadID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, msg.Attempt+1, w.backoffFor(msg.Attempt), err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

// backoffFor returns the delay before retrying after the given attempt;
// attempts beyond the schedule reuse its last entry.
func (w *Worker) backoffFor(attempt int) time.Duration {
	if len(w.cfg.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(w.cfg.Backoff) {
		idx = len(w.cfg.Backoff) - 1
	}
	return w.cfg.Backoff[idx]
}
