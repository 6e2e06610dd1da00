package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/agent"
	"planloom.app/agent/internal/model"
)

func builderAIConfig() config.AIConfig {
	return config.AIConfig{
		ContextSplit:     config.SplitDefault,
		SafetyBuffer:     0.10,
		RefreshThreshold: 0.90,
	}
}

var _ = Describe("EstimateTokens", func() {
	DescribeTable("estimates one token per four bytes, rounded up",
		func(text string, want int) {
			Expect(agent.EstimateTokens(text)).To(Equal(want))
		},
		Entry("empty", "", 0),
		Entry("one byte", "a", 1),
		Entry("four bytes", "abcd", 1),
		Entry("five bytes", "abcde", 2),
		Entry("eight bytes", "abcdefgh", 2),
		Entry("four hundred bytes", strings.Repeat("x", 400), 100),
	)
})

var _ = Describe("ContextBuilder", func() {
	var (
		ctx      context.Context
		threads  *mockThreadStore
		messages *mockMessageStore
		tasks    *mockTaskStore
		files    *mockFileStore
		builder  *agent.ContextBuilder
		thread   *model.Thread
		actor    model.Actor
	)

	// fixed-size payload: 400 bytes = 100 estimated tokens
	payload := func(seq int) string {
		s := fmt.Sprintf("message %d ", seq)
		return s + strings.Repeat("x", 400-len(s))
	}

	BeforeEach(func() {
		ctx = context.Background()
		threads = &mockThreadStore{}
		messages = &mockMessageStore{}
		tasks = &mockTaskStore{}
		files = &mockFileStore{}

		redactor, err := agent.NewRedactor(redactionConfig())
		Expect(err).NotTo(HaveOccurred())

		builder = agent.NewContextBuilder(threads, messages, tasks, files, redactor, builderAIConfig())

		thread = &model.Thread{
			ID:          11,
			ProjectID:   3,
			WorkspaceID: 42,
			Audience:    model.AudienceParticipant,
		}
		actor = model.Actor{ID: 7, WorkspaceID: 42, Role: model.ActorRoleMember}
	})

	Describe("message selection", func() {
		BeforeEach(func() {
			// newest first, as the store contract promises
			messages.listFn = func(ctx context.Context, threadID int64, limit int32) ([]model.Message, error) {
				out := make([]model.Message, 0, 6)
				for seq := 6; seq >= 1; seq-- {
					out = append(out, model.Message{
						ID:        int64(seq),
						ThreadID:  threadID,
						Role:      model.MessageRoleUser,
						Content:   payload(seq),
						CreatedAt: time.Date(2026, 3, 1, 0, 0, seq, 0, time.UTC),
					})
				}
				return out, nil
			}
		})

		It("keeps the newest whole messages within the budget, in chronological order", func() {
			// maxTokens 1000: safety 100, message budget 450 -> four 100-token messages fit
			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			Expect(built.Messages).To(HaveLen(4))
			Expect(built.Messages[0].Content).To(HavePrefix("message 3"))
			Expect(built.Messages[1].Content).To(HavePrefix("message 4"))
			Expect(built.Messages[2].Content).To(HavePrefix("message 5"))
			Expect(built.Messages[3].Content).To(HavePrefix("message 6"))
		})

		It("never truncates a message to fit", func() {
			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			for _, msg := range built.Messages {
				Expect(len(msg.Content)).To(Equal(400))
			}
		})

		It("returns an empty conversation when nothing fits", func() {
			// message budget of 45 tokens cannot hold a 100-token message
			built, err := builder.BuildContext(ctx, thread, actor, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(built.Messages).To(BeEmpty())
		})
	})

	Describe("task and file sections", func() {
		It("accumulates whole items until the sub-budget is reached", func() {
			small := model.TaskSummary{ID: 1, Title: "small", Description: strings.Repeat("a", 100)}
			huge := model.TaskSummary{ID: 2, Title: "huge", Description: strings.Repeat("b", 4000)}
			tasks.listFn = func(ctx context.Context, projectID int64, limit int32) ([]model.TaskSummary, error) {
				return []model.TaskSummary{small, huge}, nil
			}

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			Expect(built.Tasks.Recent).To(HaveLen(1))
			Expect(built.Tasks.Recent[0].ID).To(Equal(int64(1)))
			Expect(built.Tasks.TokenUsage).To(BeNumerically(">", 0))
		})

		It("degrades to an empty tasks section when the collaborator fails", func() {
			tasks.listFn = func(ctx context.Context, projectID int64, limit int32) ([]model.TaskSummary, error) {
				return nil, errors.New("tasks service down")
			}

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(built.Tasks.Recent).To(BeEmpty())
		})

		It("degrades to an empty files section when the collaborator fails", func() {
			files.listFn = func(ctx context.Context, projectID int64, limit int32) ([]model.FileSummary, error) {
				return nil, errors.New("files service down")
			}

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(built.Files.Recent).To(BeEmpty())
		})

		It("carries the project description into the files section", func() {
			threads.projectMetaFn = func(ctx context.Context, projectID int64) (*model.ProjectMeta, error) {
				return &model.ProjectMeta{
					ProjectID:     projectID,
					ProjectName:   "Website Redesign",
					WorkspaceID:   42,
					WorkspaceName: "Acme",
					Description:   "marketing site refresh",
				}, nil
			}

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(built.Files.ProjectDescription).To(Equal("marketing site refresh"))
			Expect(built.Files.TokenUsage).To(BeNumerically(">", 0))
		})
	})

	Describe("system prompt", func() {
		It("frames participants with project-only scope", func() {
			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			Expect(built.SystemPrompt).To(ContainSubstring("project participants"))
			Expect(built.SystemPrompt).To(ContainSubstring("Project: Website Redesign"))
			Expect(built.SystemPrompt).To(ContainSubstring("Workspace: Acme"))
			Expect(built.SystemPrompt).To(ContainSubstring("only access data from the current project"))
		})

		It("frames admin threads with workspace-wide scope", func() {
			thread.Audience = model.AudienceAdmin

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			Expect(built.SystemPrompt).To(ContainSubstring("workspace administrators"))
			Expect(built.SystemPrompt).NotTo(ContainSubstring("only access data from the current project"))
		})
	})

	Describe("redaction integration", func() {
		It("redacts PII before the context leaves the builder", func() {
			messages.listFn = func(ctx context.Context, threadID int64, limit int32) ([]model.Message, error) {
				return []model.Message{{
					ID:      1,
					Role:    model.MessageRoleUser,
					Content: "my email is alice@example.com",
				}}, nil
			}

			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(built.Messages[0].Content).To(ContainSubstring("[REDACTED]"))
			Expect(built.Messages[0].Content).NotTo(ContainSubstring("alice@example.com"))
		})
	})

	Describe("metadata", func() {
		It("records the thread's identifiers and audience", func() {
			built, err := builder.BuildContext(ctx, thread, actor, 1000)
			Expect(err).NotTo(HaveOccurred())

			Expect(built.Metadata.ThreadID).To(Equal(int64(11)))
			Expect(built.Metadata.ProjectID).To(Equal(int64(3)))
			Expect(built.Metadata.WorkspaceID).To(Equal(int64(42)))
			Expect(built.Metadata.Audience).To(Equal(model.AudienceParticipant))
		})
	})

	Describe("NeedsRefresh", func() {
		It("trips once usage crosses the refresh threshold", func() {
			c := &agent.Context{SystemPrompt: strings.Repeat("x", 400)} // 100 tokens

			Expect(builder.NeedsRefresh(c, 1000)).To(BeFalse())
			Expect(builder.NeedsRefresh(c, 110)).To(BeTrue())
		})
	})

	Describe("ProviderMessages", func() {
		It("prepends the system prompt to the conversation", func() {
			c := &agent.Context{
				SystemPrompt: "system here",
				Messages: []agent.ContextMessage{
					{Role: model.MessageRoleUser, Content: "hi"},
					{Role: model.MessageRoleAssistant, Content: "hello"},
				},
			}

			flat := c.ProviderMessages()
			Expect(flat).To(HaveLen(3))
			Expect(flat[0].Role).To(Equal(model.MessageRoleSystem))
			Expect(flat[0].Content).To(Equal("system here"))
			Expect(flat[1].Content).To(Equal("hi"))
			Expect(flat[2].Content).To(Equal("hello"))
		})
	})
})
