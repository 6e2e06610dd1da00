package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"planloom.app/agent/internal/model"
)

type taskStore struct {
	pool *pgxpool.Pool
}

func (s *taskStore) ListRecentByProject(ctx context.Context, projectID int64, limit int32) ([]model.TaskSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, status, priority,
		       COALESCE(description, ''), COALESCE(notes, ''),
		       COALESCE(internal_notes, ''), due_date
		FROM tasks
		WHERE project_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]model.TaskSummary, 0, limit)
	for rows.Next() {
		var t model.TaskSummary
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.Priority,
			&t.Description, &t.Notes, &t.InternalNotes, &t.DueDate); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type fileStore struct {
	pool *pgxpool.Pool
}

func (s *fileStore) ListRecentByProject(ctx context.Context, projectID int64, limit int32) ([]model.FileSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, COALESCE(description, ''), size_bytes, mime_type,
		       confidential, created_at
		FROM project_files
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]model.FileSummary, 0, limit)
	for rows.Next() {
		var f model.FileSummary
		if err := rows.Scan(&f.ID, &f.Name, &f.Description, &f.SizeBytes,
			&f.MimeType, &f.Confidential, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
