package governor

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/kv"
)

func testAIConfig() config.AIConfig {
	return config.AIConfig{
		RateLimits: config.RateLimits{
			PerUserMinute:   5,
			PerUserDay:      50,
			PerWorkspaceDay: 500,
		},
		Budgets: config.Budgets{
			UserDailyCents:        500,
			WorkspaceMonthlyCents: 10000,
			WarningThreshold:      0.80,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
		},
	}
}

var _ = Describe("Governor rate limits", func() {
	var (
		ctx   context.Context
		store *kv.MemoryStore
		runs  *mockRunStore
		gov   *Governor
	)

	const (
		userID      = int64(7)
		workspaceID = int64(42)
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = kv.NewMemoryStore()
		runs = &mockRunStore{}
		gov = New(store, runs, testAIConfig())
	})

	It("proceeds when no requests are recorded", func() {
		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeTrue())
	})

	It("does not mutate counters on a check", func() {
		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeTrue())

		_, err := store.Get(ctx, "ai:rl:user_minute:7")
		Expect(err).To(MatchError(kv.ErrNotFound))
	})

	It("blocks at the per-user minute ceiling", func() {
		for i := 0; i < 5; i++ {
			Expect(gov.RecordRequest(ctx, userID, workspaceID)).To(Succeed())
		}
		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeFalse())
	})

	It("blocks at the per-user day ceiling", func() {
		Expect(store.Set(ctx, "ai:rl:user_day:7", "50", time.Hour)).To(Succeed())
		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeFalse())
	})

	It("blocks at the per-workspace day ceiling", func() {
		Expect(store.Set(ctx, "ai:rl:workspace_day:42", "500", time.Hour)).To(Succeed())
		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeFalse())
	})

	It("scopes counters per user and workspace", func() {
		Expect(store.Set(ctx, "ai:rl:user_minute:7", "5", time.Hour)).To(Succeed())

		Expect(gov.CanProceed(ctx, userID, workspaceID)).To(BeFalse())
		Expect(gov.CanProceed(ctx, int64(8), workspaceID)).To(BeTrue())
	})

	It("writes all three counters on a recorded request", func() {
		Expect(gov.RecordRequest(ctx, userID, workspaceID)).To(Succeed())

		Expect(store.Get(ctx, "ai:rl:user_minute:7")).To(Equal("1"))
		Expect(store.Get(ctx, "ai:rl:user_day:7")).To(Equal("1"))
		Expect(store.Get(ctx, "ai:rl:workspace_day:42")).To(Equal("1"))
	})
})

var _ = Describe("Governor budgets", func() {
	var (
		ctx   context.Context
		store *kv.MemoryStore
		runs  *mockRunStore
		gov   *Governor
	)

	const (
		userID      = int64(7)
		workspaceID = int64(42)
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = kv.NewMemoryStore()
		runs = &mockRunStore{}
		gov = New(store, runs, testAIConfig())
	})

	It("proceeds with clean flags well below budget", func() {
		runs.userCost = 100
		runs.workspaceCost = 1000

		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.CanProceed).To(BeTrue())
		Expect(status.ShouldDegrade).To(BeFalse())
		Expect(status.User.Warning).To(BeFalse())
		Expect(status.User.Percentage).To(BeNumerically("~", 0.2, 0.001))
	})

	It("warns at the warning threshold without blocking", func() {
		runs.userCost = 400 // 80% of 500

		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.User.Warning).To(BeTrue())
		Expect(status.User.OverBudget).To(BeFalse())
		Expect(status.CanProceed).To(BeTrue())
	})

	It("blocks when the user budget is reached", func() {
		runs.userCost = 500

		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.User.OverBudget).To(BeTrue())
		Expect(status.CanProceed).To(BeFalse())
		Expect(status.ShouldDegrade).To(BeFalse())
	})

	It("blocks when the workspace budget is reached", func() {
		runs.workspaceCost = 10000

		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Workspace.OverBudget).To(BeTrue())
		Expect(status.CanProceed).To(BeFalse())
	})

	It("degrades instead of blocking when configured", func() {
		cfg := testAIConfig()
		cfg.Budgets.GracefulDegradation = true
		gov = New(store, runs, cfg)
		runs.userCost = 600

		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.CanProceed).To(BeFalse())
		Expect(status.ShouldDegrade).To(BeTrue())
	})

	It("caches usage sums between checks", func() {
		_, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		_, err = gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())

		Expect(runs.userSumCalls).To(Equal(1))
		Expect(runs.workspaceSumCalls).To(Equal(1))
	})

	It("recomputes after usage is recorded", func() {
		_, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())

		Expect(gov.RecordUsage(ctx, userID, workspaceID)).To(Succeed())

		runs.userCost = 250
		status, err := gov.CheckBudget(ctx, userID, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.User.UsageCents).To(Equal(int64(250)))
		Expect(runs.userSumCalls).To(Equal(2))
	})
})

var _ = Describe("Governor cost calculation", func() {
	var (
		ctx context.Context
		gov *Governor
	)

	BeforeEach(func() {
		ctx = context.Background()
		gov = New(kv.NewMemoryStore(), &mockRunStore{}, testAIConfig())
	})

	DescribeTable("prices runs in integer cents",
		func(model string, inputTokens, outputTokens int, want int64) {
			Expect(gov.CalculateCost(ctx, model, inputTokens, outputTokens)).To(Equal(want))
		},
		// 1M in at $0.15 + 1M out at $0.60 = $0.75
		Entry("gpt-4o-mini full million", "gpt-4o-mini", 1_000_000, 1_000_000, int64(75)),
		// 200k in at $5/1M + 100k out at $15/1M = $2.50
		Entry("gpt-4o partial usage", "gpt-4o", 200_000, 100_000, int64(250)),
		// 1M in at $3 + 1M out at $15 = $18
		Entry("claude-3-sonnet full million", "claude-3-sonnet", 1_000_000, 1_000_000, int64(1800)),
		// $0.00045 rounds to zero cents
		Entry("tiny usage rounds down", "gpt-4o-mini", 1_000, 500, int64(0)),
		Entry("unknown model charges zero", "gpt-99", 1_000_000, 1_000_000, int64(0)),
		Entry("zero tokens cost nothing", "gpt-4o", 0, 0, int64(0)),
	)
})
