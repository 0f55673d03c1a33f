package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/google/uuid"
)

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// RecordIfAbsent stores the message unless a row with the same
// (thread, direction, external id) exists. The stored row is returned either way;
// created reports whether this call inserted it.
func (r *MessageRepository) RecordIfAbsent(ctx context.Context, rec *models.MessageRecord) (*models.MessageRecord, bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, direction, external_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, direction, external_id) DO NOTHING`,
		uuid.New().String(), rec.ThreadID, rec.Direction, rec.ExternalID, rec.Text, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record message: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}

	stored := &models.MessageRecord{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, thread_id, direction, external_id, text, created_at
		FROM messages WHERE thread_id = ? AND direction = ? AND external_id = ?`,
		rec.ThreadID, rec.Direction, rec.ExternalID,
	).Scan(&stored.ID, &stored.ThreadID, &stored.Direction, &stored.ExternalID, &stored.Text, &stored.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

// ListByThread returns a thread's messages in creation order
func (r *MessageRepository) ListByThread(ctx context.Context, threadID string) ([]models.MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, direction, external_id, text, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.MessageRecord{}
	for rows.Next() {
		var m models.MessageRecord
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Direction, &m.ExternalID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
