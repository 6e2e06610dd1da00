package store

import (
	"context"
	"errors"
	"time"

	"planloom.app/agent/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a run status update would violate
// the run lifecycle.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ThreadStore defines the contract for thread data access
type ThreadStore interface {
	GetByID(ctx context.Context, id int64) (*model.Thread, error)
	Create(ctx context.Context, thread *model.Thread) error
	ProjectMeta(ctx context.Context, projectID int64) (*model.ProjectMeta, error)
}

// MessageStore defines the contract for message data access
type MessageStore interface {
	Create(ctx context.Context, msg *model.Message) error
	// ListByThreadDesc returns messages newest-first, bounded by limit.
	ListByThreadDesc(ctx context.Context, threadID int64, limit int32) ([]model.Message, error)
}

// RunStore defines the contract for run data access
type RunStore interface {
	GetByID(ctx context.Context, id int64) (*model.Run, error)
	Create(ctx context.Context, run *model.Run) error
	SetContextSnapshot(ctx context.Context, id int64, snapshot []byte) error
	// Finalize sets tokens/cost and a terminal status in one write.
	// Only a non-terminal run can be finalized.
	Finalize(ctx context.Context, id int64, status model.RunStatus, tokensIn, tokensOut int, costCents int64, errMsg *string) error
	MarkCancelled(ctx context.Context, id int64) error
	// SumUserCostSince sums run cost in cents for a user from the given time.
	SumUserCostSince(ctx context.Context, userID int64, since time.Time) (int64, error)
	// SumWorkspaceCostSince sums run cost in cents across a workspace from the given time.
	SumWorkspaceCostSince(ctx context.Context, workspaceID int64, since time.Time) (int64, error)
}

// TaskStore feeds the tasks section of context building
type TaskStore interface {
	ListRecentByProject(ctx context.Context, projectID int64, limit int32) ([]model.TaskSummary, error)
}

// FileStore feeds the files section of context building
type FileStore interface {
	ListRecentByProject(ctx context.Context, projectID int64, limit int32) ([]model.FileSummary, error)
}
