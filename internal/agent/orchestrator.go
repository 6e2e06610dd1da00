package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"planloom.app/agent/common/id"
	"planloom.app/agent/common/llm"
	"planloom.app/agent/common/logger"
	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/governor"
	"planloom.app/agent/internal/model"
	"planloom.app/agent/internal/store"
	"planloom.app/agent/internal/stream"
)

// Orchestrator drives the run lifecycle: gate checks, context assembly,
// provider streaming, and finalization. One orchestrator unit owns a run;
// no two units write the same run concurrently.
type Orchestrator struct {
	threads  store.ThreadStore
	messages store.MessageStore
	runs     store.RunStore
	builder  *ContextBuilder
	gov      *governor.Governor
	streams  *stream.Coordinator
	provider llm.StreamClient
	ai       config.AIConfig
}

func NewOrchestrator(
	st *store.Store,
	builder *ContextBuilder,
	gov *governor.Governor,
	streams *stream.Coordinator,
	provider llm.StreamClient,
	ai config.AIConfig,
) *Orchestrator {
	return &Orchestrator{
		threads:  st.Threads,
		messages: st.Messages,
		runs:     st.Runs,
		builder:  builder,
		gov:      gov,
		streams:  streams,
		provider: provider,
		ai:       ai,
	}
}

// ProcessMessage runs the full pipeline for one inbound user message.
// Gate rejections fail fast with non-retryable coded errors before any
// state is written; once a run row exists it always reaches a terminal
// status, even when an error escapes to the retry policy.
func (o *Orchestrator) ProcessMessage(ctx context.Context, threadID int64, text string, actor model.Actor) (*model.Run, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ThreadID:  &threadID,
		UserID:    &actor.ID,
		Provider:  logger.Ptr(o.provider.Provider()),
		Component: "agent.orchestrator",
	})

	thread, err := o.threads.GetByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewFatalError(CodeInternal, fmt.Errorf("thread %d not found: %w", threadID, err))
		}
		return nil, NewRetryableError(CodeInternal, fmt.Errorf("fetching thread: %w", err))
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{WorkspaceID: &thread.WorkspaceID})

	if actor.WorkspaceID != thread.WorkspaceID {
		return nil, NewFatalError(CodeUnauthorized,
			fmt.Errorf("actor workspace %d does not match thread workspace %d", actor.WorkspaceID, thread.WorkspaceID))
	}

	if err := o.gate(ctx, thread, actor); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:       id.New(),
		ThreadID: thread.ID,
		UserID:   actor.ID,
		Status:   model.RunStatusRunning,
		Provider: o.provider.Provider(),
		Model:    o.provider.Model(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, NewRetryableError(CodeInternal, fmt.Errorf("creating run: %w", err))
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: &run.ID})
	slog.InfoContext(ctx, "run started", "message_preview", logger.Truncate(text, 100))

	userMsg := &model.Message{
		ID:       id.New(),
		ThreadID: thread.ID,
		Role:     model.MessageRoleUser,
		Content:  text,
	}
	if err := o.messages.Create(ctx, userMsg); err != nil {
		return nil, o.fail(ctx, run, NewRetryableError(CodeInternal, fmt.Errorf("creating user message: %w", err)))
	}

	built, err := o.builder.BuildContext(ctx, thread, actor, o.ai.ModelMaxTokens())
	if err != nil {
		return nil, o.fail(ctx, run, NewRetryableError(CodeInternal, fmt.Errorf("building context: %w", err)))
	}

	if snapshot, err := json.Marshal(built); err == nil {
		if err := o.runs.SetContextSnapshot(ctx, run.ID, snapshot); err != nil {
			slog.WarnContext(ctx, "failed to persist context snapshot", "error", err)
		}
	} else {
		slog.WarnContext(ctx, "failed to encode context snapshot", "error", err)
	}

	result, err := o.streamCompletion(ctx, thread, run, built)
	if err != nil {
		return nil, o.fail(ctx, run, err)
	}

	assistantMsg := &model.Message{
		ID:       id.New(),
		ThreadID: thread.ID,
		RunID:    &run.ID,
		Role:     model.MessageRoleAssistant,
		Content:  result.Content,
		Metadata: map[string]string{
			"run_id":   strconv.FormatInt(run.ID, 10),
			"provider": run.Provider,
			"model":    run.Model,
		},
	}
	if err := o.messages.Create(ctx, assistantMsg); err != nil {
		return nil, o.fail(ctx, run, NewRetryableError(CodeInternal, fmt.Errorf("creating assistant message: %w", err)))
	}

	cost := o.gov.CalculateCost(ctx, run.Model, result.InputTokens, result.OutputTokens)
	if err := o.runs.Finalize(ctx, run.ID, model.RunStatusCompleted, result.InputTokens, result.OutputTokens, cost, nil); err != nil {
		return nil, NewRetryableError(CodeInternal, fmt.Errorf("finalizing run: %w", err))
	}
	run.Status = model.RunStatusCompleted
	run.TokensIn = result.InputTokens
	run.TokensOut = result.OutputTokens
	run.CostCents = cost

	if err := o.gov.RecordUsage(ctx, actor.ID, thread.WorkspaceID); err != nil {
		slog.WarnContext(ctx, "failed to invalidate budget cache", "error", err)
	}

	slog.InfoContext(ctx, "run completed",
		"tokens_in", run.TokensIn,
		"tokens_out", run.TokensOut,
		"cost_cents", run.CostCents)

	return run, nil
}

// gate checks rate limits, budgets and provider health, in that order.
// Checks have no side effects; the counters are only incremented once all
// gates pass.
func (o *Orchestrator) gate(ctx context.Context, thread *model.Thread, actor model.Actor) error {
	allowed, err := o.gov.CanProceed(ctx, actor.ID, thread.WorkspaceID)
	if err != nil {
		return NewRetryableError(CodeInternal, fmt.Errorf("checking rate limits: %w", err))
	}
	if !allowed {
		return NewFatalError(CodeRateLimited, fmt.Errorf("rate limit exceeded for user %d", actor.ID))
	}

	budget, err := o.gov.CheckBudget(ctx, actor.ID, thread.WorkspaceID)
	if err != nil {
		return NewRetryableError(CodeInternal, fmt.Errorf("checking budget: %w", err))
	}
	if !budget.CanProceed {
		if !budget.ShouldDegrade {
			return NewFatalError(CodeBudgetExceeded,
				fmt.Errorf("budget exceeded (user %.0f%%, workspace %.0f%%)",
					budget.User.Percentage*100, budget.Workspace.Percentage*100))
		}
		slog.WarnContext(ctx, "over budget, proceeding in degraded mode",
			"user_percentage", budget.User.Percentage,
			"workspace_percentage", budget.Workspace.Percentage)
	} else if budget.User.Warning || budget.Workspace.Warning {
		slog.WarnContext(ctx, "budget warning threshold crossed",
			"user_percentage", budget.User.Percentage,
			"workspace_percentage", budget.Workspace.Percentage)
	}

	usable, err := o.gov.CanUseProvider(ctx, o.provider.Provider())
	if err != nil {
		return NewRetryableError(CodeInternal, fmt.Errorf("checking provider health: %w", err))
	}
	if !usable {
		return NewRetryableError(CodeProviderUnavailable,
			fmt.Errorf("circuit breaker open for provider %s", o.provider.Provider()))
	}

	if err := o.gov.RecordRequest(ctx, actor.ID, thread.WorkspaceID); err != nil {
		return NewRetryableError(CodeInternal, fmt.Errorf("recording request: %w", err))
	}
	return nil
}

// streamCompletion invokes the provider and relays each token through the
// streaming coordinator. Provider health bookkeeping happens here, at the
// point of invocation, regardless of whether the run is later retried.
func (o *Orchestrator) streamCompletion(ctx context.Context, thread *model.Thread, run *model.Run, built *Context) (*llm.ChatResult, error) {
	s, err := o.streams.Start(ctx, thread.ID, run.ID)
	if err != nil {
		return nil, NewRetryableError(CodeInternal, fmt.Errorf("starting stream: %w", err))
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{StreamID: &s.ID})

	req := llm.ChatRequest{
		Messages:    toProviderMessages(built),
		MaxTokens:   o.ai.MaxTokens,
		Temperature: llm.Temp(o.ai.Temperature),
	}

	result, err := o.provider.StreamChat(ctx, req, func(token string) error {
		if streamErr := o.streams.StreamToken(ctx, s, token); streamErr != nil {
			// transport hiccups must not kill the provider call
			slog.WarnContext(ctx, "failed to publish stream token", "error", streamErr)
		}
		return nil
	})
	if err != nil {
		if recordErr := o.gov.RecordFailure(ctx, o.provider.Provider()); recordErr != nil {
			slog.ErrorContext(ctx, "failed to record provider failure", "error", recordErr)
		}
		if _, termErr := o.streams.StreamError(ctx, s, "provider request failed"); termErr != nil {
			slog.WarnContext(ctx, "failed to publish stream error", "error", termErr)
		}

		code := CodeProviderError
		wrapped := fmt.Errorf("provider streaming: %w", err)
		if llm.IsRetryable(ctx, err) {
			return nil, NewRetryableError(code, wrapped)
		}
		return nil, NewFatalError(code, wrapped)
	}

	if recordErr := o.gov.RecordSuccess(ctx, o.provider.Provider()); recordErr != nil {
		slog.ErrorContext(ctx, "failed to record provider success", "error", recordErr)
	}

	if _, err := o.streams.EndStream(ctx, s, result.Content); err != nil {
		slog.WarnContext(ctx, "failed to end stream", "error", err)
	}

	return result, nil
}

// fail finalizes the run as failed before re-raising, so a terminal state
// is never left as running after an error escapes.
func (o *Orchestrator) fail(ctx context.Context, run *model.Run, cause error) error {
	errText := cause.Error()
	if err := o.runs.Finalize(ctx, run.ID, model.RunStatusFailed, run.TokensIn, run.TokensOut, run.CostCents, &errText); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// externally cancelled in the meantime; the cancel wins
			slog.InfoContext(ctx, "run already terminal, skipping failure write")
		} else {
			slog.ErrorContext(ctx, "failed to mark run failed", "error", err)
		}
	}
	slog.ErrorContext(ctx, "run failed",
		"error", errText,
		"code", string(CodeOf(cause)),
		"retryable", IsRetryable(cause))
	return cause
}

func toProviderMessages(built *Context) []llm.Message {
	flat := built.ProviderMessages()
	out := make([]llm.Message, 0, len(flat))
	for _, msg := range flat {
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}
