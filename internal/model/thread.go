package model

import "time"

// Audience controls which data sources the context builder may read
// for a thread and how the system prompt frames the conversation.
type Audience string

const (
	AudienceParticipant Audience = "participant"
	AudienceAdmin       Audience = "admin"
)

func (a Audience) Valid() bool {
	return a == AudienceParticipant || a == AudienceAdmin
}

type Thread struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	WorkspaceID int64     `json:"workspace_id"`
	Audience    Audience  `json:"audience"`
	Title       *string   `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
