package llm_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/openai/openai-go"

	"planloom.app/agent/common/llm"
)

var _ = Describe("NewStreamClient", func() {
	It("builds an OpenAI client", func() {
		client, err := llm.NewStreamClient(llm.Config{
			Provider: llm.ProviderOpenAI,
			APIKey:   "sk-test",
			Model:    "gpt-4o-mini",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Provider()).To(Equal("openai"))
		Expect(client.Model()).To(Equal("gpt-4o-mini"))
	})

	It("builds an Anthropic client", func() {
		client, err := llm.NewStreamClient(llm.Config{
			Provider: llm.ProviderAnthropic,
			APIKey:   "sk-ant-test",
			Model:    "claude-3-haiku",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Provider()).To(Equal("anthropic"))
		Expect(client.Model()).To(Equal("claude-3-haiku"))
	})

	It("rejects a missing API key", func() {
		_, err := llm.NewStreamClient(llm.Config{
			Provider: llm.ProviderOpenAI,
			Model:    "gpt-4o-mini",
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown provider", func() {
		_, err := llm.NewStreamClient(llm.Config{
			Provider: "cohere",
			APIKey:   "key",
			Model:    "command-r",
		})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("cohere"))
	})
})

var _ = Describe("IsRetryable", func() {
	ctx := context.Background()

	It("treats nil as not retryable", func() {
		Expect(llm.IsRetryable(ctx, nil)).To(BeFalse())
	})

	It("does not retry cancelled contexts", func() {
		Expect(llm.IsRetryable(ctx, context.Canceled)).To(BeFalse())
		Expect(llm.IsRetryable(ctx, context.DeadlineExceeded)).To(BeFalse())
		Expect(llm.IsRetryable(ctx, fmt.Errorf("calling provider: %w", context.Canceled))).To(BeFalse())
	})

	DescribeTable("classifies OpenAI API errors by status",
		func(status int, want bool) {
			err := &openai.Error{StatusCode: status}
			Expect(llm.IsRetryable(ctx, err)).To(Equal(want))
		},
		Entry("rate limited", 429, true),
		Entry("server error", 500, true),
		Entry("bad gateway", 502, true),
		Entry("bad request", 400, false),
		Entry("unauthorized", 401, false),
		Entry("not found", 404, false),
	)

	DescribeTable("classifies Anthropic API errors by status",
		func(status int, want bool) {
			err := &anthropic.Error{StatusCode: status}
			Expect(llm.IsRetryable(ctx, err)).To(Equal(want))
		},
		Entry("rate limited", 429, true),
		Entry("overloaded", 529, true),
		Entry("bad request", 400, false),
	)

	It("retries wrapped API errors", func() {
		err := fmt.Errorf("provider streaming: %w", &openai.Error{StatusCode: 503})
		Expect(llm.IsRetryable(ctx, err)).To(BeTrue())
	})

	It("retries plain network errors", func() {
		Expect(llm.IsRetryable(ctx, errors.New("connection reset by peer"))).To(BeTrue())
	})
})

var _ = Describe("Temp", func() {
	It("returns a pointer so zero is distinguishable from unset", func() {
		Expect(llm.Temp(0)).To(HaveValue(BeNumerically("==", 0)))
		Expect(llm.Temp(0.7)).To(HaveValue(BeNumerically("~", 0.7, 0.001)))
	})
})
