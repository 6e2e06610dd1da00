// Package governor gates run admission: windowed rate limits, monetary
// budgets and per-provider circuit breaking, all backed by the shared
// ephemeral kv store so every worker observes the same state.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/kv"
	"planloom.app/agent/internal/store"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour

	// budget usage sums are cached to bound read cost on the runs table
	budgetCacheTTL = time.Hour
)

type Governor struct {
	kv      kv.Store
	runs    store.RunStore
	limits  config.RateLimits
	budgets config.Budgets
	breaker *Breaker

	now func() time.Time
}

func New(kvStore kv.Store, runs store.RunStore, cfg config.AIConfig) *Governor {
	return &Governor{
		kv:      kvStore,
		runs:    runs,
		limits:  cfg.RateLimits,
		budgets: cfg.Budgets,
		breaker: NewBreaker(kvStore, cfg.Breaker),
		now:     time.Now,
	}
}

// rate limit keys, one counter per scope-and-window

func userMinuteKey(userID int64) string {
	return fmt.Sprintf("ai:rl:user_minute:%d", userID)
}

func userDayKey(userID int64) string {
	return fmt.Sprintf("ai:rl:user_day:%d", userID)
}

func workspaceDayKey(workspaceID int64) string {
	return fmt.Sprintf("ai:rl:workspace_day:%d", workspaceID)
}

// CanProceed reports whether all three windowed counters are strictly below
// their ceilings. It never mutates the counters; a failed gate check has no
// side effect.
func (g *Governor) CanProceed(ctx context.Context, userID, workspaceID int64) (bool, error) {
	checks := []struct {
		key     string
		ceiling int64
	}{
		{userMinuteKey(userID), g.limits.PerUserMinute},
		{userDayKey(userID), g.limits.PerUserDay},
		{workspaceDayKey(workspaceID), g.limits.PerWorkspaceDay},
	}

	for _, check := range checks {
		count, err := g.counter(ctx, check.key)
		if err != nil {
			return false, err
		}
		if count >= check.ceiling {
			slog.InfoContext(ctx, "rate limit reached",
				"key", check.key, "count", count, "ceiling", check.ceiling)
			return false, nil
		}
	}
	return true, nil
}

// RecordRequest increments all three windowed counters. Counters reset by
// natural key expiry, never by explicit rollover.
func (g *Governor) RecordRequest(ctx context.Context, userID, workspaceID int64) error {
	if _, err := g.kv.Increment(ctx, userMinuteKey(userID), minuteWindow); err != nil {
		return fmt.Errorf("recording user minute request: %w", err)
	}
	if _, err := g.kv.Increment(ctx, userDayKey(userID), dayWindow); err != nil {
		return fmt.Errorf("recording user day request: %w", err)
	}
	if _, err := g.kv.Increment(ctx, workspaceDayKey(workspaceID), dayWindow); err != nil {
		return fmt.Errorf("recording workspace day request: %w", err)
	}
	return nil
}

func (g *Governor) counter(ctx context.Context, key string) (int64, error) {
	val, err := g.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %s: %w", key, err)
	}
	return n, nil
}

// ScopeStatus is the budget position of one scope (user day or workspace month).
type ScopeStatus struct {
	BudgetCents int64   `json:"budget_cents"`
	UsageCents  int64   `json:"usage_cents"`
	Percentage  float64 `json:"percentage"`
	OverBudget  bool    `json:"over_budget"`
	Warning     bool    `json:"warning"`
}

// BudgetStatus is derived on demand; it is never a source of truth.
type BudgetStatus struct {
	User          ScopeStatus `json:"user"`
	Workspace     ScopeStatus `json:"workspace"`
	CanProceed    bool        `json:"can_proceed"`
	ShouldDegrade bool        `json:"should_degrade"`
}

// CheckBudget sums the user's current-day and the workspace's current-month
// run cost against the configured ceilings. Sums are cached in the kv store
// and invalidated when new usage is recorded.
func (g *Governor) CheckBudget(ctx context.Context, userID, workspaceID int64) (*BudgetStatus, error) {
	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	userUsage, err := g.cachedSum(ctx, userBudgetCacheKey(userID, dayStart), func() (int64, error) {
		return g.runs.SumUserCostSince(ctx, userID, dayStart)
	})
	if err != nil {
		return nil, fmt.Errorf("summing user cost: %w", err)
	}

	workspaceUsage, err := g.cachedSum(ctx, workspaceBudgetCacheKey(workspaceID, monthStart), func() (int64, error) {
		return g.runs.SumWorkspaceCostSince(ctx, workspaceID, monthStart)
	})
	if err != nil {
		return nil, fmt.Errorf("summing workspace cost: %w", err)
	}

	status := &BudgetStatus{
		User:      scopeStatus(g.budgets.UserDailyCents, userUsage, g.budgets.WarningThreshold),
		Workspace: scopeStatus(g.budgets.WorkspaceMonthlyCents, workspaceUsage, g.budgets.WarningThreshold),
	}
	status.CanProceed = !status.User.OverBudget && !status.Workspace.OverBudget
	status.ShouldDegrade = !status.CanProceed && g.budgets.GracefulDegradation

	return status, nil
}

// RecordUsage invalidates the cached budget sums after a run's cost is
// persisted, so the next check observes it.
func (g *Governor) RecordUsage(ctx context.Context, userID, workspaceID int64) error {
	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if err := g.kv.Delete(ctx, userBudgetCacheKey(userID, dayStart)); err != nil {
		return fmt.Errorf("invalidating user budget cache: %w", err)
	}
	if err := g.kv.Delete(ctx, workspaceBudgetCacheKey(workspaceID, monthStart)); err != nil {
		return fmt.Errorf("invalidating workspace budget cache: %w", err)
	}
	return nil
}

func userBudgetCacheKey(userID int64, dayStart time.Time) string {
	return fmt.Sprintf("ai:budget:user:%d:%s", userID, dayStart.Format("2006-01-02"))
}

func workspaceBudgetCacheKey(workspaceID int64, monthStart time.Time) string {
	return fmt.Sprintf("ai:budget:workspace:%d:%s", workspaceID, monthStart.Format("2006-01"))
}

func (g *Governor) cachedSum(ctx context.Context, key string, compute func() (int64, error)) (int64, error) {
	if cached, err := g.kv.Get(ctx, key); err == nil {
		if n, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
			return n, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}

	sum, err := compute()
	if err != nil {
		return 0, err
	}
	if err := g.kv.Set(ctx, key, strconv.FormatInt(sum, 10), budgetCacheTTL); err != nil {
		return 0, err
	}
	return sum, nil
}

func scopeStatus(budgetCents, usageCents int64, warningThreshold float64) ScopeStatus {
	var percentage float64
	if budgetCents > 0 {
		percentage = float64(usageCents) / float64(budgetCents)
	}
	return ScopeStatus{
		BudgetCents: budgetCents,
		UsageCents:  usageCents,
		Percentage:  percentage,
		OverBudget:  usageCents >= budgetCents,
		Warning:     percentage >= warningThreshold,
	}
}

// CalculateCost prices a completed run in integer cents from the per-model
// USD-per-1M-token table. Unknown models cost zero and log a warning.
func (g *Governor) CalculateCost(ctx context.Context, model string, inputTokens, outputTokens int) int64 {
	price, ok := config.CostFor(model)
	if !ok {
		slog.WarnContext(ctx, "no price entry for model, charging zero", "model", model)
		return 0
	}

	inputUSD := float64(inputTokens) / 1_000_000 * price.InputUSD
	outputUSD := float64(outputTokens) / 1_000_000 * price.OutputUSD
	return int64(math.Round((inputUSD + outputUSD) * 100))
}

// Circuit breaker surface, delegated to the shared Breaker.

func (g *Governor) CanUseProvider(ctx context.Context, provider string) (bool, error) {
	return g.breaker.Allow(ctx, provider)
}

func (g *Governor) RecordSuccess(ctx context.Context, provider string) error {
	return g.breaker.RecordSuccess(ctx, provider)
}

func (g *Governor) RecordFailure(ctx context.Context, provider string) error {
	return g.breaker.RecordFailure(ctx, provider)
}
