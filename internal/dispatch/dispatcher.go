// Package dispatch decides how each outgoing message reaches its
// target: direct delivery to an online session, queued delivery for an
// offline claude, or tiered subprocess invocation for an offline codex.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/duet/internal/backoff"
	"github.com/haasonsaas/duet/internal/observability"
	"github.com/haasonsaas/duet/internal/peer"
	"github.com/haasonsaas/duet/internal/persona"
	"github.com/haasonsaas/duet/internal/registry"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/pkg/models"
)

const (
	// queueMaxAttempts bounds delivery retries for queued messages.
	queueMaxAttempts = 5
	// contextWindow is how many trailing conversation messages are
	// rendered into the subprocess prompt.
	contextWindow = 20

	// DefaultSendTimeout applies when send_message waits for a response.
	DefaultSendTimeout = 60 * time.Second
	// DefaultExecTimeout applies to the one-shot invocation tier.
	DefaultExecTimeout = 5 * time.Minute
)

// PeerClient is the persistent stdio channel to the codex process.
type PeerClient interface {
	SendMessage(ctx context.Context, prompt, messageID string, p *persona.Persona) (string, error)
}

// PeerExecutor is the one-shot subprocess fallback, satisfied by
// *peer.Executor and by fakes in tests.
type PeerExecutor interface {
	Run(ctx context.Context, req peer.ExecRequest) (*peer.ExecResult, error)
}

// Dispatcher routes messages between the two assistants.
type Dispatcher struct {
	store    *store.Store
	registry *registry.Registry
	client   PeerClient // nil when the persistent channel is disabled
	executor PeerExecutor
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a dispatcher. client may be nil to disable the persistent
// tier; executor may be nil to disable the fallback tier.
func New(st *store.Store, reg *registry.Registry, client PeerClient, executor PeerExecutor, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		registry: reg,
		client:   client,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With("component", "dispatch"),
	}
}

// SendOptions are the inputs to SendMessage.
type SendOptions struct {
	ConversationID  string // empty creates a new conversation
	Sender          models.AssistantID
	Target          models.AssistantID
	Content         string
	MessageType     models.MessageType
	Priority        models.Priority
	Agent           string // explicit persona name, empty auto-selects
	WaitForResponse bool
	// Timeout is the caller-supplied bound. Zero means defaults apply:
	// DefaultSendTimeout for the response wait, DefaultExecTimeout for
	// subprocess invocation.
	Timeout time.Duration
	// UseOutputSchema constrains the fallback tier to structured output.
	UseOutputSchema bool
}

// SendResult reports what happened to the message.
type SendResult struct {
	Conversation    *models.Conversation `json:"conversation"`
	Message         *models.Message      `json:"message"`
	Status          string               `json:"status"` // delivered | queued | responded | pending
	Response        *models.Message      `json:"response,omitempty"`
	Queued          bool                 `json:"queued,omitempty"`
	InvokedViaMCP   bool                 `json:"invokedViaMcp,omitempty"`
	InvocationError string               `json:"invocation_error,omitempty"`
}

// SendMessage implements the routing decision procedure.
func (d *Dispatcher) SendMessage(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if opts.Sender == opts.Target {
		return nil, store.ErrSelfAddressed
	}

	conv, err := d.resolveConversation(ctx, opts)
	if err != nil {
		return nil, err
	}

	msg, err := d.store.CreateMessage(ctx, store.CreateMessageParams{
		ConversationID: conv.ID,
		Sender:         opts.Sender,
		Target:         opts.Target,
		Content:        opts.Content,
		MessageType:    opts.MessageType,
		Priority:       opts.Priority,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{Conversation: conv, Message: msg, Status: "pending"}

	switch {
	case d.registry.IsOnline(opts.Target):
		// The target polls for work on its next tool call; no push.
		msg, err = d.store.UpdateMessageStatus(ctx, msg.ID, models.MessageDelivered)
		if err != nil {
			return nil, err
		}
		result.Message = msg
		result.Status = "delivered"
		d.count(opts.Target, "delivered")

	case opts.Target == models.AssistantCodex:
		d.invokeCodex(ctx, opts, result)

	default:
		// Offline claude: queue for delivery when it reconnects.
		if _, err := d.store.EnqueueMessage(ctx, msg.ID, opts.Target, opts.Priority.Rank(), queueMaxAttempts); err != nil {
			return nil, err
		}
		result.Status = "queued"
		result.Queued = true
		d.count(opts.Target, "queued")
	}

	if opts.WaitForResponse && result.Response == nil {
		waitTimeout := opts.Timeout
		if waitTimeout <= 0 {
			waitTimeout = DefaultSendTimeout
		}
		if resp := d.WaitForResponse(ctx, msg.ID, waitTimeout); resp != nil {
			result.Response = resp
			result.Status = "responded"
		}
	}
	return result, nil
}

// invokeCodex runs the tiered invocation ladder for an offline codex.
// Failures never abort the send: the message stays pending and the
// error is surfaced as invocation_error.
func (d *Dispatcher) invokeCodex(ctx context.Context, opts SendOptions, result *SendResult) {
	p := persona.Select(opts.Content, opts.Agent)
	prompt := d.buildPrompt(ctx, result.Conversation.ID, result.Message.ID, opts.Content)

	// An explicit caller timeout governs both tiers; otherwise the
	// subprocess gets the full exec default, not the wait-loop default.
	invTimeout := opts.Timeout
	if invTimeout <= 0 {
		invTimeout = DefaultExecTimeout
	}

	// Tier A: persistent stdio channel.
	if d.client != nil {
		callCtx, cancel := context.WithTimeout(ctx, invTimeout)
		start := time.Now()
		response, err := d.client.SendMessage(callCtx, prompt, result.Message.ID, p)
		d.observe(models.InvocationPeerMCP, time.Since(start))
		cancel()
		if err == nil && response != "" {
			d.recordResponse(ctx, result, response)
			result.InvokedViaMCP = true
			d.count(opts.Target, "invoked")
			return
		}
		if err != nil {
			d.logger.Debug("persistent peer tier failed", "message_id", result.Message.ID, "error", err)
		}
	}

	// Tier B: one-shot exec.
	if d.executor == nil {
		result.InvocationError = "no invocation path available"
		d.count(opts.Target, "failed")
		return
	}
	start := time.Now()
	res, err := d.executor.Run(ctx, peer.ExecRequest{
		MessageID:       result.Message.ID,
		Target:          opts.Target,
		MessageType:     result.Message.MessageType,
		Prompt:          prompt,
		Timeout:         invTimeout,
		UseOutputSchema: opts.UseOutputSchema,
	})
	d.observe(models.InvocationSubprocessExec, time.Since(start))
	if err == nil && res.Response != "" {
		d.recordResponse(ctx, result, res.Response)
		d.count(opts.Target, "invoked")
		return
	}

	stderr := ""
	if res != nil {
		stderr = strings.TrimSpace(res.Stderr)
	}
	if stderr == "" {
		stderr = "Invocation failed with no output"
	}
	result.InvocationError = stderr
	d.count(opts.Target, "failed")
	d.logger.Warn("codex invocation failed", "message_id", result.Message.ID, "error", err)
}

// recordResponse stores the peer's reply as a response message and
// marks the original responded.
func (d *Dispatcher) recordResponse(ctx context.Context, result *SendResult, response string) {
	original := result.Message
	respMsg, err := d.store.CreateMessage(ctx, store.CreateMessageParams{
		ConversationID: original.ConversationID,
		Sender:         original.Target,
		Target:         original.Sender,
		Content:        response,
		MessageType:    original.MessageType.ResponseType(),
		Priority:       original.Priority,
		ResponseToID:   original.ID,
	})
	if err != nil {
		d.logger.Error("store peer response", "message_id", original.ID, "error", err)
		return
	}
	updated, err := d.store.UpdateMessageStatus(ctx, original.ID, models.MessageResponded)
	if err != nil {
		d.logger.Error("mark message responded", "message_id", original.ID, "error", err)
	} else {
		result.Message = updated
	}
	result.Response = respMsg
	result.Status = "responded"
}

// WaitForResponse polls the store for a response to messageID until
// timeout, backing off adaptively between polls. Returns nil when no
// response arrived in time.
func (d *Dispatcher) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) *models.Message {
	policy := backoff.PollPolicy()
	deadline := time.Now().Add(timeout)

	for attempt := 0; ; attempt++ {
		resp, err := d.store.GetResponseToMessage(ctx, messageID)
		if err == nil {
			return resp
		}
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("response poll failed", "message_id", messageID, "error", err)
		}
		if time.Now().After(deadline) {
			return nil
		}
		if err := backoff.Sleep(ctx, policy, attempt); err != nil {
			return nil
		}
	}
}

func (d *Dispatcher) resolveConversation(ctx context.Context, opts SendOptions) (*models.Conversation, error) {
	if opts.ConversationID == "" {
		return d.store.CreateConversation(ctx, "", "", opts.Sender)
	}
	conv, err := d.store.GetConversation(ctx, opts.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", opts.ConversationID, err)
	}
	return conv, nil
}

// buildPrompt renders the trailing conversation context ahead of the
// new message so the subprocess peer sees the thread.
func (d *Dispatcher) buildPrompt(ctx context.Context, conversationID, messageID, content string) string {
	msgs, err := d.store.GetRecentMessages(ctx, conversationID, contextWindow)
	if err != nil {
		d.logger.Warn("context render failed", "conversation_id", conversationID, "error", err)
		return content
	}

	var parts []string
	for _, m := range msgs {
		if m.ID == messageID {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", m.Sender, m.Content))
	}
	if len(parts) == 0 {
		return content
	}
	return strings.Join(parts, "\n\n") + "\n\nNew message:\n" + content
}

func (d *Dispatcher) count(target models.AssistantID, outcome string) {
	if d.metrics != nil {
		d.metrics.MessagesRouted.WithLabelValues(string(target), outcome).Inc()
	}
}

func (d *Dispatcher) observe(invocationType models.InvocationType, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.InvocationDuration.WithLabelValues(string(invocationType)).Observe(elapsed.Seconds())
	}
}
