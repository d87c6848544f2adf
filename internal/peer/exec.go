package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/haasonsaas/duet/internal/config"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/pkg/models"
)

// DefaultExecTimeout bounds a one-shot invocation when the caller does
// not supply one.
const DefaultExecTimeout = 5 * time.Minute

// Executor runs the peer binary once per prompt as a fallback when the
// persistent channel is unavailable. Every run leaves an invocation
// audit row.
type Executor struct {
	cfg    config.CodexConfig
	store  *store.Store
	logger *slog.Logger
}

// NewExecutor creates a one-shot executor backed by the given store.
func NewExecutor(cfg config.CodexConfig, st *store.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, store: st, logger: logger.With("component", "peer_exec")}
}

// ExecRequest describes one fallback invocation.
type ExecRequest struct {
	MessageID   string
	Target      models.AssistantID
	MessageType models.MessageType
	Prompt      string
	Timeout     time.Duration
	// UseOutputSchema constrains the child to structured output matching
	// the message type's schema.
	UseOutputSchema bool
}

// ExecResult carries the extracted response and the audit row.
type ExecResult struct {
	Response   string
	Invocation *models.Invocation
	Stderr     string
}

// Run spawns the peer binary, waits for exit (killing it at the
// timeout), and extracts the final answer from its event stream.
func (e *Executor) Run(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	args := []string{"exec", "--json", "--full-auto", "--skip-git-repo-check"}

	if req.UseOutputSchema {
		dir, err := os.MkdirTemp("", "duet-schema-")
		if err != nil {
			return nil, fmt.Errorf("schema temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		schemaPath, err := writeSchemaFile(dir, req.MessageType)
		if err != nil {
			return nil, err
		}
		args = append(args, "--output-schema", schemaPath)
	}
	args = append(args, req.Prompt)

	inv, err := e.store.CreateInvocation(ctx, req.Target, req.MessageID,
		models.InvocationSubprocessExec, describeCommand(e.cfg.Path, args, len(req.Prompt)))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Array-form spawn: the prompt is a single argv entry, never
	// interpolated into a shell line.
	cmd := exec.CommandContext(runCtx, e.cfg.Path, args...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := e.store.MarkInvocationRunning(ctx, inv.ID); err != nil {
		e.logger.Warn("invocation bookkeeping failed", "invocation_id", inv.ID, "error", err)
	}

	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	status := models.InvocationCompleted
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status = models.InvocationTimeout
	case runErr != nil:
		status = models.InvocationFailed
	}

	// Finalize with a background-safe context: the caller's context may
	// already be done when we hit the timeout path.
	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalizeCancel()
	if err := e.store.FinalizeInvocation(finalizeCtx, inv.ID, status,
		truncate(stdout.String(), rawStdoutLimit), truncate(stderr.String(), rawStdoutLimit), &exitCode); err != nil {
		e.logger.Warn("invocation finalize failed", "invocation_id", inv.ID, "error", err)
	}

	result := &ExecResult{
		Invocation: inv,
		Stderr:     stderr.String(),
		Response:   extractResponse(stdout.String(), req.MessageType),
	}
	if result.Response == "" && runErr != nil {
		return result, fmt.Errorf("peer exec (%s): %w", status, runErr)
	}
	e.logger.Debug("peer exec finished", "status", status, "exit_code", exitCode,
		"response_chars", len(result.Response), "structured", req.UseOutputSchema)
	return result, nil
}

// describeCommand builds the descriptive JSON stored in the command
// column. The prompt itself is elided.
func describeCommand(binary string, args []string, promptChars int) string {
	described := make([]string, 0, len(args))
	described = append(described, args[:len(args)-1]...)
	desc, _ := json.Marshal(map[string]any{
		"binary":       binary,
		"args":         described,
		"prompt_chars": promptChars,
	})
	return string(desc)
}
