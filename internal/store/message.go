package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"planloom.app/agent/internal/model"
)

type messageStore struct {
	pool *pgxpool.Pool
}

func (s *messageStore) Create(ctx context.Context, msg *model.Message) error {
	var metadata []byte
	if len(msg.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding message metadata: %w", err)
		}
	}

	return s.pool.QueryRow(ctx, `
		INSERT INTO agent_messages (id, thread_id, run_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		msg.ID, msg.ThreadID, msg.RunID, msg.Role, msg.Content, metadata,
	).Scan(&msg.CreatedAt)
}

func (s *messageStore) ListByThreadDesc(ctx context.Context, threadID int64, limit int32) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, run_id, role, content, metadata, created_at
		FROM agent_messages
		WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.RunID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
