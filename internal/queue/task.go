package queue

// RunTask is one queued orchestration request: a user message awaiting
// processing against its thread.
type RunTask struct {
	ThreadID    int64
	UserID      int64
	WorkspaceID int64
	UserRole    string
	Content     string
	TraceID     *string
	Attempt     int
}
