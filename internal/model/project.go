package model

import "time"

// TaskSummary is the slice of a task exposed to context building.
type TaskSummary struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	Description   string     `json:"description,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	InternalNotes string     `json:"internal_notes,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
}

// FileSummary is the file metadata slice exposed to context building.
type FileSummary struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	MimeType     string    `json:"mime_type"`
	Confidential bool      `json:"confidential"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProjectMeta carries the project/workspace identity used in prompts.
type ProjectMeta struct {
	ProjectID     int64  `json:"project_id"`
	ProjectName   string `json:"project_name"`
	WorkspaceID   int64  `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	Description   string `json:"description,omitempty"`
}
