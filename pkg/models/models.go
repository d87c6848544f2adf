// Package models defines the shared domain types for the duet bridge.
package models

import (
	"fmt"
	"time"
)

// AssistantID identifies one of the two bridged assistants.
type AssistantID string

const (
	AssistantClaude AssistantID = "claude"
	AssistantCodex  AssistantID = "codex"
)

// ParseAssistantID validates an assistant identifier. Only the two
// literal values are accepted.
func ParseAssistantID(s string) (AssistantID, error) {
	switch AssistantID(s) {
	case AssistantClaude, AssistantCodex:
		return AssistantID(s), nil
	}
	return "", fmt.Errorf("unknown assistant %q", s)
}

// Peer returns the other assistant.
func (a AssistantID) Peer() AssistantID {
	if a == AssistantClaude {
		return AssistantCodex
	}
	return AssistantClaude
}

// ClientStatus is a persisted hint of an assistant's availability. The
// in-process registry is authoritative; this column is a mirror.
type ClientStatus string

const (
	ClientOnline  ClientStatus = "online"
	ClientOffline ClientStatus = "offline"
	ClientBusy    ClientStatus = "busy"
)

// Client is one pre-seeded assistant row.
type Client struct {
	ID          AssistantID  `json:"id"`
	DisplayName string       `json:"display_name"`
	Status      ClientStatus `json:"status"`
	SessionID   string       `json:"session_id,omitempty"`
	LastSeenAt  *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationPending   ConversationStatus = "pending"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

// Conversation is a correlation bucket for messages between the two
// assistants. New messages are accepted only while it is not archived.
type Conversation struct {
	ID        string             `json:"id"`
	Title     string             `json:"title,omitempty"`
	Project   string             `json:"project,omitempty"`
	Status    ConversationStatus `json:"status"`
	CreatedBy AssistantID        `json:"created_by"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Summary   string             `json:"summary,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	ClosedAt  *time.Time         `json:"closed_at,omitempty"`
}

// MessageType classifies a message's intent.
type MessageType string

const (
	TypeMessage          MessageType = "message"
	TypeResearchRequest  MessageType = "research_request"
	TypeResearchResponse MessageType = "research_response"
	TypeReviewRequest    MessageType = "review_request"
	TypeReviewResponse   MessageType = "review_response"
	TypeContextShare     MessageType = "context_share"
	TypeSystem           MessageType = "system"
)

// ResponseType returns the response message type paired with a request
// type, or TypeMessage when the request has no dedicated response kind.
func (t MessageType) ResponseType() MessageType {
	switch t {
	case TypeResearchRequest:
		return TypeResearchResponse
	case TypeReviewRequest:
		return TypeReviewResponse
	}
	return TypeMessage
}

// Priority orders queued deliveries.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority label to its queue ordering integer.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	}
	return 0
}

// MessageStatus tracks delivery progress. Transitions are monotonic
// along pending -> delivered -> read -> responded; responded is
// reachable directly from any earlier state.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageResponded MessageStatus = "responded"
)

// Message is one directed communication between the assistants.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Sender         AssistantID    `json:"sender"`
	Target         AssistantID    `json:"target"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"message_type"`
	Priority       Priority       `json:"priority"`
	Status         MessageStatus  `json:"status"`
	ResponseToID   string         `json:"response_to_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// QueueEntry is a pending delivery attempt for an offline target.
// At most one entry exists per message, and only while the message is
// still pending.
type QueueEntry struct {
	ID          int64       `json:"id"`
	MessageID   string      `json:"message_id"`
	Target      AssistantID `json:"target"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	NextAttempt time.Time   `json:"next_attempt"`
	CreatedAt   time.Time   `json:"created_at"`
}

// InvocationType distinguishes the two subprocess dispatch paths.
type InvocationType string

const (
	InvocationSubprocessExec InvocationType = "subprocess_exec"
	InvocationPeerMCP        InvocationType = "peer_mcp"
)

// InvocationStatus is the lifecycle state of a subprocess invocation.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimeout   InvocationStatus = "timeout"
)

// Invocation is an audit record for a subprocess peer call.
type Invocation struct {
	ID             string           `json:"id"`
	Target         AssistantID      `json:"target"`
	MessageID      string           `json:"message_id"`
	InvocationType InvocationType   `json:"invocation_type"`
	Status         InvocationStatus `json:"status"`
	Command        string           `json:"command,omitempty"`
	Stdout         string           `json:"stdout,omitempty"`
	Stderr         string           `json:"stderr,omitempty"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// ContextType classifies a shared context payload.
type ContextType string

const (
	ContextFile       ContextType = "file"
	ContextSnippet    ContextType = "snippet"
	ContextEntity     ContextType = "entity"
	ContextMemoryItem ContextType = "memory_item"
	ContextURL        ContextType = "url"
)

// SharedContext is an opaque payload shared between the assistants.
type SharedContext struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	ContextType    ContextType `json:"context_type"`
	Content        string      `json:"content"`
	Description    string      `json:"description,omitempty"`
	SharedBy       AssistantID `json:"shared_by"`
	CreatedAt      time.Time   `json:"created_at"`
}
