package dto

type PostMessageRequest struct {
	Content     string `json:"content" binding:"required"`
	UserID      int64  `json:"user_id" binding:"required"`
	WorkspaceID int64  `json:"workspace_id" binding:"required"`
	UserRole    string `json:"user_role,omitempty"`
}

type PostMessageResponse struct {
	ThreadID int64 `json:"thread_id"`
	Enqueued bool  `json:"enqueued"`
}
