package model

import "time"

// Message role constants.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
	MessageRoleTool      = "tool"
)

// Message is one turn in a thread. Immutable once created;
// ordering key is creation time ascending.
type Message struct {
	ID        int64             `json:"id"`
	ThreadID  int64             `json:"thread_id"`
	RunID     *int64            `json:"run_id,omitempty"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
