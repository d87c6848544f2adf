package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/duet/pkg/models"
)

// CreateSharedContext stores an opaque context payload.
func (s *Store) CreateSharedContext(ctx context.Context, sc *models.SharedContext) (*models.SharedContext, error) {
	out := *sc
	out.ID = uuid.New().String()
	out.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shared_context (id, conversation_id, context_type, content, description, shared_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.ID, nullString(out.ConversationID), string(out.ContextType), out.Content,
		nullString(out.Description), string(out.SharedBy), fmtTime(out.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create shared context: %w", err)
	}
	return &out, nil
}

// GetSharedContext loads one shared context entry.
func (s *Store) GetSharedContext(ctx context.Context, id string) (*models.SharedContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, context_type, content, description, shared_by, created_at
		 FROM shared_context WHERE id = ?`, id)
	return scanSharedContext(row)
}

// ListSharedContext returns shared context entries, newest first,
// optionally scoped to one conversation.
func (s *Store) ListSharedContext(ctx context.Context, conversationID string, limit, offset int) ([]*models.SharedContext, error) {
	query := `SELECT id, conversation_id, context_type, content, description, shared_by, created_at
		 FROM shared_context`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shared context: %w", err)
	}
	defer rows.Close()

	var entries []*models.SharedContext
	for rows.Next() {
		sc, err := scanSharedContext(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, sc)
	}
	return entries, rows.Err()
}

func scanSharedContext(row rowScanner) (*models.SharedContext, error) {
	var (
		sc             models.SharedContext
		conversationID sql.NullString
		description    sql.NullString
		createdAt      string
	)
	err := row.Scan(&sc.ID, &conversationID, &sc.ContextType, &sc.Content,
		&description, &sc.SharedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan shared context: %w", err)
	}
	sc.ConversationID = conversationID.String
	sc.Description = description.String
	sc.CreatedAt = parseTime(createdAt)
	return &sc, nil
}
