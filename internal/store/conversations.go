package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/duet/pkg/models"
)

// CreateConversation inserts a new active conversation.
func (s *Store) CreateConversation(ctx context.Context, title, project string, createdBy models.AssistantID) (*models.Conversation, error) {
	now := time.Now()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Project:   project,
		Status:    models.ConversationActive,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, project, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, nullString(title), nullString(project), string(conv.Status),
		string(createdBy), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, project, status, created_by, created_at, updated_at, summary, metadata, closed_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns a page of conversations ordered by most
// recent activity. status "all" disables the status filter.
func (s *Store) ListConversations(ctx context.Context, status string, limit, offset int) ([]*models.Conversation, error) {
	query := `SELECT id, title, project, status, created_by, created_at, updated_at, summary, metadata, closed_at
		 FROM conversations`
	args := []any{}
	if status != "" && status != "all" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// CloseConversation marks a conversation completed and stamps closed_at.
// The summary replaces any existing one when non-empty.
func (s *Store) CloseConversation(ctx context.Context, id, summary string) (*models.Conversation, error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = 'completed', closed_at = ?, updated_at = ?,
		     summary = COALESCE(NULLIF(?, ''), summary)
		 WHERE id = ?`,
		now, now, summary, id)
	if err != nil {
		return nil, fmt.Errorf("close conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation; messages, queue entries,
// and invocations cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c         models.Conversation
		title     sql.NullString
		project   sql.NullString
		summary   sql.NullString
		metadata  sql.NullString
		closedAt  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&c.ID, &title, &project, &c.Status, &c.CreatedBy,
		&createdAt, &updatedAt, &summary, &metadata, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Title = title.String
	c.Project = project.String
	c.Summary = summary.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.ClosedAt = parseTimePtr(closedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	return &c, nil
}
