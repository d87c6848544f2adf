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

// CreateInvocation records the start of a subprocess peer call. The
// command column is descriptive JSON, never an executable string.
func (s *Store) CreateInvocation(ctx context.Context, target models.AssistantID, messageID string, invType models.InvocationType, command string) (*models.Invocation, error) {
	now := time.Now()
	inv := &models.Invocation{
		ID:             uuid.New().String(),
		Target:         target,
		MessageID:      messageID,
		InvocationType: invType,
		Status:         models.InvocationPending,
		Command:        command,
		CreatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, target, message_id, invocation_type, status, command, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, string(target), messageID, string(invType), string(inv.Status),
		nullString(command), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create invocation: %w", err)
	}
	return inv, nil
}

// MarkInvocationRunning flips an invocation to running and stamps
// started_at.
func (s *Store) MarkInvocationRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = 'running', started_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark invocation running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeInvocation records the terminal state of an invocation with
// its captured output.
func (s *Store) FinalizeInvocation(ctx context.Context, id string, status models.InvocationStatus, stdout, stderr string, exitCode *int) error {
	var exit any
	if exitCode != nil {
		exit = *exitCode
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, stdout = ?, stderr = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		string(status), nullString(stdout), nullString(stderr), exit, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finalize invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetInvocation loads an invocation audit row.
func (s *Store) GetInvocation(ctx context.Context, id string) (*models.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target, message_id, invocation_type, status, command, stdout, stderr, exit_code,
		        created_at, started_at, completed_at
		 FROM invocations WHERE id = ?`, id)

	var (
		inv         models.Invocation
		command     sql.NullString
		stdout      sql.NullString
		stderr      sql.NullString
		exitCode    sql.NullInt64
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.Target, &inv.MessageID, &inv.InvocationType, &inv.Status,
		&command, &stdout, &stderr, &exitCode, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invocation: %w", err)
	}
	inv.Command = command.String
	inv.Stdout = stdout.String
	inv.Stderr = stderr.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		inv.ExitCode = &code
	}
	inv.CreatedAt = parseTime(createdAt)
	inv.StartedAt = parseTimePtr(startedAt)
	inv.CompletedAt = parseTimePtr(completedAt)
	return &inv, nil
}
