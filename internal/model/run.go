package model

import "time"

// RunStatus is a tagged run-lifecycle state. Transitions are checked via
// CanTransitionTo so an invalid status can never be written.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	// terminal states have no outgoing transitions
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusCancelled: {},
}

func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

func (s RunStatus) Terminal() bool {
	return len(runTransitions[s]) == 0 && s.Valid()
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Run is one orchestration attempt triggered by a user message.
// Token counts and cost are set exactly once, at finalization.
type Run struct {
	ID              int64      `json:"id"`
	ThreadID        int64      `json:"thread_id"`
	UserID          int64      `json:"user_id"`
	Status          RunStatus  `json:"status"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	TokensIn        int        `json:"tokens_in"`
	TokensOut       int        `json:"tokens_out"`
	CostCents       int64      `json:"cost_cents"`
	ContextSnapshot []byte     `json:"context_snapshot,omitempty"`
	Error           *string    `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
