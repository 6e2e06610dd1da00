package governor

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/kv"
)

var _ = Describe("Breaker", func() {
	var (
		ctx     context.Context
		breaker *Breaker
		clock   time.Time
	)

	const provider = "openai"

	failTimes := func(n int) {
		for i := 0; i < n; i++ {
			Expect(breaker.RecordFailure(ctx, provider)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		breaker = NewBreaker(kv.NewMemoryStore(), config.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
		})
		breaker.now = func() time.Time { return clock }
	})

	It("allows calls while closed", func() {
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
	})

	It("stays closed below the failure threshold", func() {
		failTimes(4)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
	})

	It("opens at the failure threshold", func() {
		failTimes(5)
		Expect(breaker.Allow(ctx, provider)).To(BeFalse())
	})

	It("stays open until the recovery timeout elapses", func() {
		failTimes(5)

		clock = clock.Add(59 * time.Second)
		Expect(breaker.Allow(ctx, provider)).To(BeFalse())

		clock = clock.Add(2 * time.Second)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
	})

	It("closes after enough half-open successes", func() {
		failTimes(5)
		clock = clock.Add(61 * time.Second)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())

		for i := 0; i < 3; i++ {
			Expect(breaker.RecordSuccess(ctx, provider)).To(Succeed())
		}

		// closed again, with failure history reset
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
		failTimes(4)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
	})

	It("re-opens on a half-open failure", func() {
		failTimes(5)
		clock = clock.Add(61 * time.Second)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())

		Expect(breaker.RecordFailure(ctx, provider)).To(Succeed())
		Expect(breaker.Allow(ctx, provider)).To(BeFalse())

		// the fresh open period starts from the half-open failure
		clock = clock.Add(61 * time.Second)
		Expect(breaker.Allow(ctx, provider)).To(BeTrue())
	})

	It("ignores successes while closed", func() {
		Expect(breaker.RecordSuccess(ctx, provider)).To(Succeed())
		failTimes(4)
		Expect(breaker.RecordSuccess(ctx, provider)).To(Succeed())

		// successes did not reset the closed failure count
		Expect(breaker.RecordFailure(ctx, provider)).To(Succeed())
		Expect(breaker.Allow(ctx, provider)).To(BeFalse())
	})

	It("tracks providers independently", func() {
		failTimes(5)
		Expect(breaker.Allow(ctx, provider)).To(BeFalse())
		Expect(breaker.Allow(ctx, "anthropic")).To(BeTrue())
	})
})
