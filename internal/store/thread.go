package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"planloom.app/agent/internal/model"
)

type threadStore struct {
	pool *pgxpool.Pool
}

func (s *threadStore) GetByID(ctx context.Context, id int64) (*model.Thread, error) {
	var t model.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, workspace_id, audience, title, created_at
		FROM agent_threads
		WHERE id = $1`, id,
	).Scan(&t.ID, &t.ProjectID, &t.WorkspaceID, &t.Audience, &t.Title, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *threadStore) Create(ctx context.Context, thread *model.Thread) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO agent_threads (id, project_id, workspace_id, audience, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		thread.ID, thread.ProjectID, thread.WorkspaceID, thread.Audience, thread.Title,
	).Scan(&thread.CreatedAt)
}

func (s *threadStore) ProjectMeta(ctx context.Context, projectID int64) (*model.ProjectMeta, error) {
	var m model.ProjectMeta
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.name, COALESCE(p.description, ''), w.id, w.name
		FROM projects p
		JOIN workspaces w ON w.id = p.workspace_id
		WHERE p.id = $1`, projectID,
	).Scan(&m.ProjectID, &m.ProjectName, &m.Description, &m.WorkspaceID, &m.WorkspaceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
