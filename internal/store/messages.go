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

// Message creation errors.
var (
	ErrConversationNotActive = errors.New("conversation is not active")
	ErrSelfAddressed         = errors.New("sender and target must differ")
	ErrEmptyContent          = errors.New("content must not be empty")
	ErrStatusRegression      = errors.New("message status cannot move backwards")
)

// CreateMessageParams holds the inputs for CreateMessage.
type CreateMessageParams struct {
	ConversationID string
	Sender         models.AssistantID
	Target         models.AssistantID
	Content        string
	MessageType    models.MessageType
	Priority       models.Priority
	ResponseToID   string
	Metadata       map[string]any
}

// CreateMessage inserts a pending message and bumps the conversation's
// updated_at in the same transaction. The conversation must be active.
func (s *Store) CreateMessage(ctx context.Context, p CreateMessageParams) (*models.Message, error) {
	if p.Sender == p.Target {
		return nil, ErrSelfAddressed
	}
	if p.Content == "" {
		return nil, ErrEmptyContent
	}
	if p.MessageType == "" {
		p.MessageType = models.TypeMessage
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, p.ConversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", p.ConversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation status: %w", err)
	}
	if models.ConversationStatus(status) != models.ConversationActive {
		return nil, fmt.Errorf("conversation %s: %w", p.ConversationID, ErrConversationNotActive)
	}

	now := time.Now()
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Target:         p.Target,
		Content:        p.Content,
		MessageType:    p.MessageType,
		Priority:       p.Priority,
		Status:         models.MessagePending,
		ResponseToID:   p.ResponseToID,
		CreatedAt:      now,
		Metadata:       p.Metadata,
	}

	var metadata any
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, target, content, message_type, priority, status, response_to_id, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), string(msg.Target), msg.Content,
		string(msg.MessageType), string(msg.Priority), string(msg.Status),
		nullString(msg.ResponseToID), fmtTime(now), metadata)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, fmtTime(now), p.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id)
	return scanMessage(row)
}

// GetConversationMessages returns a page of a conversation's messages
// in insertion order.
func (s *Store) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMessage+` WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetRecentMessages returns the newest n messages of a conversation in
// insertion order.
func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, n int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (`+selectMessage+` WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?)
		 ORDER BY created_at ASC`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// UpdateMessageStatus advances a message along
// pending -> delivered -> read -> responded, stamping delivered_at or
// read_at on first entry into those states. Responded is reachable from
// any earlier state; moving backwards is an error.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if statusRank(status) < statusRank(msg.Status) {
		return nil, fmt.Errorf("%s -> %s: %w", msg.Status, status, ErrStatusRegression)
	}

	now := fmtTime(time.Now())
	switch status {
	case models.MessageDelivered:
		_, err = s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
			string(status), now, id)
	case models.MessageRead:
		_, err = s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, read_at = COALESCE(read_at, ?) WHERE id = ?`,
			string(status), now, id)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return nil, fmt.Errorf("update message status: %w", err)
	}
	return s.GetMessage(ctx, id)
}

func statusRank(s models.MessageStatus) int {
	switch s {
	case models.MessageDelivered:
		return 1
	case models.MessageRead:
		return 2
	case models.MessageResponded:
		return 3
	}
	return 0
}

// GetResponseToMessage returns the earliest message responding to id,
// or ErrNotFound when no response exists yet.
func (s *Store) GetResponseToMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		selectMessage+` WHERE response_to_id = ? ORDER BY created_at ASC LIMIT 1`, id)
	return scanMessage(row)
}

// GetPendingMessages returns undelivered messages addressed to target,
// oldest first.
func (s *Store) GetPendingMessages(ctx context.Context, target models.AssistantID, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMessage+` WHERE target = ? AND status = 'pending' ORDER BY created_at ASC LIMIT ?`,
		string(target), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SearchMessages runs a full-text query over message content using the
// porter-tokenised FTS index.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender, m.target, m.content, m.message_type, m.priority, m.status,
		        m.response_to_id, m.created_at, m.delivered_at, m.read_at, m.metadata
		 FROM messages_fts f
		 JOIN messages m ON m.rowid = f.rowid
		 WHERE messages_fts MATCH ?
		 ORDER BY rank LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

const selectMessage = `SELECT id, conversation_id, sender, target, content, message_type, priority, status,
	response_to_id, created_at, delivered_at, read_at, metadata FROM messages`

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m           models.Message
		responseTo  sql.NullString
		createdAt   string
		deliveredAt sql.NullString
		readAt      sql.NullString
		metadata    sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Target, &m.Content,
		&m.MessageType, &m.Priority, &m.Status, &responseTo, &createdAt,
		&deliveredAt, &readAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ResponseToID = responseTo.String
	m.CreatedAt = parseTime(createdAt)
	m.DeliveredAt = parseTimePtr(deliveredAt)
	m.ReadAt = parseTimePtr(readAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &m, nil
}
