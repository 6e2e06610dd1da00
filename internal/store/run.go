package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"planloom.app/agent/internal/model"
)

type runStore struct {
	pool *pgxpool.Pool
}

func (s *runStore) GetByID(ctx context.Context, id int64) (*model.Run, error) {
	var r model.Run
	err := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, user_id, status, provider, model,
		       tokens_in, tokens_out, cost_cents, context_snapshot,
		       error, started_at, finished_at
		FROM agent_runs
		WHERE id = $1`, id,
	).Scan(&r.ID, &r.ThreadID, &r.UserID, &r.Status, &r.Provider, &r.Model,
		&r.TokensIn, &r.TokensOut, &r.CostCents, &r.ContextSnapshot,
		&r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *runStore) Create(ctx context.Context, run *model.Run) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO agent_runs (id, thread_id, user_id, status, provider, model)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at`,
		run.ID, run.ThreadID, run.UserID, run.Status, run.Provider, run.Model,
	).Scan(&run.StartedAt)
}

func (s *runStore) SetContextSnapshot(ctx context.Context, id int64, snapshot []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET context_snapshot = $2 WHERE id = $1`,
		id, snapshot)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize writes tokens, cost and the terminal status in one statement.
// The WHERE clause guards the lifecycle: a run already in a terminal state
// is never overwritten.
func (s *runStore) Finalize(ctx context.Context, id int64, status model.RunStatus, tokensIn, tokensOut int, costCents int64, errMsg *string) error {
	if !status.Terminal() {
		return ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, tokens_in = $3, tokens_out = $4, cost_cents = $5,
		    error = $6, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, status, tokensIn, tokensOut, costCents, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *runStore) MarkCancelled(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = 'cancelled', finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *runStore) SumUserCostSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM agent_runs
		WHERE user_id = $1 AND started_at >= $2`, userID, since,
	).Scan(&total)
	return total, err
}

func (s *runStore) SumWorkspaceCostSince(ctx context.Context, workspaceID int64, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(r.cost_cents), 0)
		FROM agent_runs r
		JOIN agent_threads t ON t.id = r.thread_id
		WHERE t.workspace_id = $1 AND r.started_at >= $2`, workspaceID, since,
	).Scan(&total)
	return total, err
}
