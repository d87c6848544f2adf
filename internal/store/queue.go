package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/duet/pkg/models"
)

// EnqueueMessage inserts a queue entry for an offline delivery. The
// UNIQUE constraint on message_id keeps at most one entry per message.
func (s *Store) EnqueueMessage(ctx context.Context, messageID string, target models.AssistantID, priority, maxAttempts int) (*models.QueueEntry, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_queue (message_id, target, priority, attempts, max_attempts, next_attempt, created_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		messageID, string(target), priority, maxAttempts, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue message id: %w", err)
	}
	return &models.QueueEntry{
		ID:          id,
		MessageID:   messageID,
		Target:      target,
		Priority:    priority,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		NextAttempt: now,
		CreatedAt:   now,
	}, nil
}

// DequeueMessages returns due queue entries for target, highest
// priority first, earliest due first.
func (s *Store) DequeueMessages(ctx context.Context, target models.AssistantID, limit int) ([]*models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, target, priority, attempts, max_attempts, next_attempt, created_at
		 FROM message_queue
		 WHERE target = ? AND next_attempt <= ? AND attempts < max_attempts
		 ORDER BY priority DESC, next_attempt ASC
		 LIMIT ?`,
		string(target), fmtTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue messages: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementAttempts records a failed delivery attempt and pushes
// next_attempt forward by delay.
func (s *Store) IncrementAttempts(ctx context.Context, id int64, delay time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_queue SET attempts = attempts + 1, next_attempt = ? WHERE id = ?`,
		fmtTime(time.Now().Add(delay)), id)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// RemoveFromQueue deletes the entry for a message, if any.
func (s *Store) RemoveFromQueue(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_queue WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	return nil
}

// ClearExhausted deletes entries whose attempts have been used up and
// returns the number removed.
func (s *Store) ClearExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_queue WHERE attempts >= max_attempts`)
	if err != nil {
		return 0, fmt.Errorf("clear exhausted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetQueueEntry loads one queue entry by its row id.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, target, priority, attempts, max_attempts, next_attempt, created_at
		 FROM message_queue WHERE id = ?`, id)
	return scanQueueEntry(row)
}

// QueueDepth counts queued entries per target.
func (s *Store) QueueDepth(ctx context.Context, target models.AssistantID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_queue WHERE target = ?`, string(target)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
	var (
		e           models.QueueEntry
		nextAttempt string
		createdAt   string
	)
	err := row.Scan(&e.ID, &e.MessageID, &e.Target, &e.Priority, &e.Attempts,
		&e.MaxAttempts, &nextAttempt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}
	e.NextAttempt = parseTime(nextAttempt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
