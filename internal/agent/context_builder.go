package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/model"
	"planloom.app/agent/internal/store"
)

// messageFetchLimit bounds how many thread messages are considered for
// context; the token budget trims further.
const messageFetchLimit = 200

// Context is the token-budgeted input assembled for one provider call.
// It is snapshotted onto the run for audit.
type Context struct {
	SystemPrompt string           `json:"system_prompt"`
	Messages     []ContextMessage `json:"messages"`
	Tasks        TasksSection     `json:"tasks"`
	Files        FilesSection     `json:"files"`
	Metadata     ContextMetadata  `json:"metadata"`
}

type ContextMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type TasksSection struct {
	Recent     []model.TaskSummary `json:"recent"`
	TokenUsage int                 `json:"token_usage"`
}

type FilesSection struct {
	Recent             []model.FileSummary `json:"recent"`
	ProjectDescription string              `json:"project_description,omitempty"`
	TokenUsage         int                 `json:"token_usage"`
}

type ContextMetadata struct {
	ThreadID    int64          `json:"thread_id"`
	ProjectID   int64          `json:"project_id"`
	WorkspaceID int64          `json:"workspace_id"`
	Audience    model.Audience `json:"audience"`
}

// EstimateTokens is the cheap sizing heuristic used for budget accounting:
// roughly one token per four bytes of English text.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// ContextBuilder assembles a bounded context from thread messages, task
// summaries and file metadata, then passes it through the redactor.
type ContextBuilder struct {
	threads  store.ThreadStore
	messages store.MessageStore
	tasks    store.TaskStore // optional collaborator; nil degrades to an empty section
	files    store.FileStore // optional collaborator; nil degrades to an empty section
	redactor *Redactor

	split            config.SplitRatios
	safetyBuffer     float64
	refreshThreshold float64

	now func() time.Time
}

func NewContextBuilder(
	threads store.ThreadStore,
	messages store.MessageStore,
	tasks store.TaskStore,
	files store.FileStore,
	redactor *Redactor,
	cfg config.AIConfig,
) *ContextBuilder {
	return &ContextBuilder{
		threads:          threads,
		messages:         messages,
		tasks:            tasks,
		files:            files,
		redactor:         redactor,
		split:            cfg.ContextSplit.Ratios(),
		safetyBuffer:     cfg.SafetyBuffer,
		refreshThreshold: cfg.RefreshThreshold,
		now:              time.Now,
	}
}

// BuildContext assembles the context for a thread within maxTokens.
// A safety buffer is held back, the remainder is partitioned by the
// configured split, and each section accumulates whole items newest-first
// until its sub-budget is reached. Items are dropped whole, never truncated.
func (b *ContextBuilder) BuildContext(ctx context.Context, thread *model.Thread, actor model.Actor, maxTokens int) (*Context, error) {
	safetyBuffer := int(float64(maxTokens) * b.safetyBuffer)
	available := maxTokens - safetyBuffer

	messageBudget := int(float64(available) * b.split.Messages)
	taskBudget := int(float64(available) * b.split.Tasks)
	fileBudget := int(float64(available) * b.split.Files)

	slog.InfoContext(ctx, "building context",
		"max_tokens", maxTokens,
		"available_tokens", available,
		"message_budget", messageBudget,
		"task_budget", taskBudget,
		"file_budget", fileBudget)

	meta, err := b.threads.ProjectMeta(ctx, thread.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project meta: %w", err)
	}

	messages, err := b.buildMessages(ctx, thread.ID, messageBudget)
	if err != nil {
		return nil, fmt.Errorf("building message context: %w", err)
	}

	result := &Context{
		SystemPrompt: b.buildSystemPrompt(thread, meta),
		Messages:     messages,
		Tasks:        b.buildTasks(ctx, thread.ProjectID, taskBudget),
		Files:        b.buildFiles(ctx, thread.ProjectID, meta, fileBudget),
		Metadata: ContextMetadata{
			ThreadID:    thread.ID,
			ProjectID:   thread.ProjectID,
			WorkspaceID: thread.WorkspaceID,
			Audience:    thread.Audience,
		},
	}

	result = b.redactor.RedactContext(result, actor.Role)

	slog.InfoContext(ctx, "context built",
		"total_tokens", b.ContextTokens(result),
		"messages", len(result.Messages),
		"tasks", len(result.Tasks.Recent),
		"files", len(result.Files.Recent))

	return result, nil
}

// buildMessages reads newest-first and accumulates whole messages until the
// next candidate would overflow the budget, then reverses back to
// chronological order.
func (b *ContextBuilder) buildMessages(ctx context.Context, threadID int64, budget int) ([]ContextMessage, error) {
	recent, err := b.messages.ListByThreadDesc(ctx, threadID, messageFetchLimit)
	if err != nil {
		return nil, err
	}

	picked := make([]ContextMessage, 0, len(recent))
	total := 0
	for _, msg := range recent {
		cost := EstimateTokens(msg.Content)
		if total+cost > budget {
			break // drop whole message, never truncate mid-message
		}
		picked = append(picked, ContextMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
		total += cost
	}

	// reverse to chronological order
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}

// buildTasks fills the tasks section from the task collaborator. An
// unavailable collaborator degrades to an empty, well-formed section.
func (b *ContextBuilder) buildTasks(ctx context.Context, projectID int64, budget int) TasksSection {
	section := TasksSection{Recent: []model.TaskSummary{}}
	if b.tasks == nil {
		return section
	}

	tasks, err := b.tasks.ListRecentByProject(ctx, projectID, 50)
	if err != nil {
		slog.WarnContext(ctx, "task collaborator unavailable, using empty section", "error", err)
		return section
	}

	for _, task := range tasks {
		cost := EstimateTokens(task.Title + task.Description + task.Notes + task.InternalNotes)
		if section.TokenUsage+cost > budget {
			break
		}
		section.Recent = append(section.Recent, task)
		section.TokenUsage += cost
	}
	return section
}

// buildFiles fills the files section from the file collaborator, same
// degradation and whole-item-drop rules as tasks.
func (b *ContextBuilder) buildFiles(ctx context.Context, projectID int64, meta *model.ProjectMeta, budget int) FilesSection {
	section := FilesSection{
		Recent:             []model.FileSummary{},
		ProjectDescription: meta.Description,
		TokenUsage:         EstimateTokens(meta.Description),
	}
	if b.files == nil {
		return section
	}

	files, err := b.files.ListRecentByProject(ctx, projectID, 50)
	if err != nil {
		slog.WarnContext(ctx, "file collaborator unavailable, using empty section", "error", err)
		return section
	}

	for _, file := range files {
		cost := EstimateTokens(file.Name + file.Description)
		if section.TokenUsage+cost > budget {
			break
		}
		section.Recent = append(section.Recent, file)
		section.TokenUsage += cost
	}
	return section
}

func (b *ContextBuilder) buildSystemPrompt(thread *model.Thread, meta *model.ProjectMeta) string {
	base := "You are an AI assistant for project participants with access only to this project's data."
	if thread.Audience == model.AudienceAdmin {
		base = "You are an AI assistant for workspace administrators with access to all workspace data."
	}

	prompt := fmt.Sprintf(`%s

Project: %s
Workspace: %s
Current Date: %s

Guidelines:
- Provide concise, actionable responses
- Focus on recent activities and current priorities
- Highlight blockers and risks when relevant
- Maintain professional tone
- Respect data scoping based on user permissions`,
		base, meta.ProjectName, meta.WorkspaceName, b.now().UTC().Format("2006-01-02 15:04 MST"))

	if thread.Audience != model.AudienceAdmin {
		prompt += "\n\nIMPORTANT: You can only access data from the current project. Do not reference other projects or workspace-wide information."
	}

	return prompt
}

// NeedsRefresh reports whether the context's recomputed token usage has
// crossed the refresh threshold of maxTokens.
func (b *ContextBuilder) NeedsRefresh(c *Context, maxTokens int) bool {
	return float64(b.ContextTokens(c)) > float64(maxTokens)*b.refreshThreshold
}

// ContextTokens recomputes the total estimated token usage of a context.
func (b *ContextBuilder) ContextTokens(c *Context) int {
	total := EstimateTokens(c.SystemPrompt)
	for _, msg := range c.Messages {
		total += EstimateTokens(msg.Content)
	}
	total += c.Tasks.TokenUsage
	total += c.Files.TokenUsage
	return total
}

// ProviderMessages flattens the context into the provider message list:
// system prompt first, then the chronological conversation.
func (c *Context) ProviderMessages() []ContextMessage {
	out := make([]ContextMessage, 0, len(c.Messages)+1)
	out = append(out, ContextMessage{Role: model.MessageRoleSystem, Content: c.SystemPrompt})
	out = append(out, c.Messages...)
	return out
}
