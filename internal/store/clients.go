package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/duet/pkg/models"
)

// GetClient loads one assistant row.
func (s *Store) GetClient(ctx context.Context, id models.AssistantID) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, status, session_id, last_seen_at, created_at
		 FROM clients WHERE id = ?`, string(id))
	return scanClient(row)
}

// ListClients returns both assistant rows.
func (s *Store) ListClients(ctx context.Context) ([]*models.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, status, session_id, last_seen_at, created_at
		 FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpdateClientStatus mirrors a registry transition into the clients
// table. The session id is cleared when going offline.
func (s *Store) UpdateClientStatus(ctx context.Context, id models.AssistantID, status models.ClientStatus, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET status = ?, session_id = ?, last_seen_at = ? WHERE id = ?`,
		string(status), nullString(sessionID), fmtTime(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var (
		c         models.Client
		sessionID sql.NullString
		lastSeen  sql.NullString
		createdAt string
	)
	err := row.Scan(&c.ID, &c.DisplayName, &c.Status, &sessionID, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.SessionID = sessionID.String
	c.LastSeenAt = parseTimePtr(lastSeen)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
