package agent

import (
	"fmt"
	"regexp"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/model"
)

type redactionRule struct {
	name    string
	pattern *regexp.Regexp
}

// Redactor applies the ordered PII pattern table to text and role-gated
// field suppression to assembled contexts. Redaction is idempotent: the
// replacement token matches none of the patterns, so reapplying is a no-op.
type Redactor struct {
	enabled     bool
	replacement string
	rules       []redactionRule
}

// NewRedactor compiles the configured patterns, failing fast on an invalid
// one. Configuration errors never surface as runtime failures.
func NewRedactor(cfg config.RedactionConfig) (*Redactor, error) {
	if issues := ValidateRedactionConfig(cfg); len(issues) > 0 {
		return nil, fmt.Errorf("invalid redaction configuration: %v", issues)
	}

	rules := make([]redactionRule, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		rules = append(rules, redactionRule{
			name:    p.Name,
			pattern: regexp.MustCompile(p.Pattern),
		})
	}

	return &Redactor{
		enabled:     cfg.Enabled,
		replacement: cfg.Replacement,
		rules:       rules,
	}, nil
}

// ValidateRedactionConfig returns human-readable issues with the pattern
// table, one per problem; an empty slice means the configuration is usable.
func ValidateRedactionConfig(cfg config.RedactionConfig) []string {
	var issues []string

	if cfg.Replacement == "" {
		issues = append(issues, "replacement text is not configured")
	}

	for _, p := range cfg.Patterns {
		if p.Name == "" {
			issues = append(issues, "pattern with empty name")
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			issues = append(issues, fmt.Sprintf("invalid regex for pattern %q: %v", p.Name, err))
		}
	}

	return issues
}

// RedactText applies every configured pattern in order.
func (r *Redactor) RedactText(text string) string {
	if !r.enabled {
		return text
	}
	for _, rule := range r.rules {
		text = rule.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// RedactContext redacts every free-text field of the context and, for the
// most restricted role, suppresses internal-notes fields and confidential
// files entirely. The actor's role is threaded explicitly from the caller,
// never inferred.
func (r *Redactor) RedactContext(c *Context, role model.ActorRole) *Context {
	if !r.enabled || c == nil {
		return c
	}

	restricted := role == model.ActorRoleClient

	redacted := *c
	redacted.SystemPrompt = r.RedactText(c.SystemPrompt)

	redacted.Messages = make([]ContextMessage, len(c.Messages))
	for i, msg := range c.Messages {
		msg.Content = r.RedactText(msg.Content)
		redacted.Messages[i] = msg
	}

	redacted.Tasks.Recent = make([]model.TaskSummary, len(c.Tasks.Recent))
	for i, task := range c.Tasks.Recent {
		task.Description = r.RedactText(task.Description)
		task.Notes = r.RedactText(task.Notes)
		if restricted {
			task.InternalNotes = ""
		} else {
			task.InternalNotes = r.RedactText(task.InternalNotes)
		}
		redacted.Tasks.Recent[i] = task
	}

	redacted.Files.Recent = make([]model.FileSummary, 0, len(c.Files.Recent))
	for _, file := range c.Files.Recent {
		if restricted && file.Confidential {
			continue
		}
		file.Name = r.RedactText(file.Name)
		file.Description = r.RedactText(file.Description)
		redacted.Files.Recent = append(redacted.Files.Recent, file)
	}

	redacted.Files.ProjectDescription = r.RedactText(c.Files.ProjectDescription)

	return &redacted
}
