package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/duet/internal/config"
	"github.com/haasonsaas/duet/internal/persona"
)

// Client keeps one long-lived codex process in stdio tool-server mode
// and routes prompts through its codex/codex-reply tools. A dropped
// connection is repaired by the next call.
type Client struct {
	cfg    config.CodexConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *stdioConn

	// conversationByMessage remembers the peer conversation id assigned
	// to each originating message, so follow-ups reuse codex-reply.
	conversationByMessage map[string]string
}

// NewClient creates a persistent peer client. No process is spawned
// until the first SendMessage.
func NewClient(cfg config.CodexConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:                   cfg,
		logger:                logger.With("component", "peer_client"),
		conversationByMessage: make(map[string]string),
	}
}

// Connected reports whether a live child process is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.connected.Load()
}

// Close tears down the child process.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
}

// SendMessage delivers prompt to the peer and returns its reply text.
// When messageID already has a remembered peer conversation, the
// follow-up goes through codex-reply; otherwise a fresh codex call is
// made with the persona's base instructions. Any transport error
// disconnects the client so the next call reconnects.
func (c *Client) SendMessage(ctx context.Context, prompt, messageID string, p *persona.Persona) (string, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return "", err
	}

	timeout := 5 * time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var result json.RawMessage
	if convID := c.rememberedConversation(messageID); convID != "" {
		result, err = c.callTool(ctx, conn, "codex-reply", map[string]any{
			"conversation_id": convID,
			"prompt":          prompt,
		}, timeout)
	} else {
		args := map[string]any{
			"prompt":            prompt,
			"approval-policy":   c.cfg.ApprovalPolicy,
			"sandbox":           c.sandboxFor(p),
			"base-instructions": c.instructionsFor(p),
		}
		result, err = c.callTool(ctx, conn, "codex", args, timeout)
	}
	if err != nil {
		c.disconnect()
		return "", err
	}

	var call toolCallResult
	if err := json.Unmarshal(result, &call); err != nil {
		c.disconnect()
		return "", fmt.Errorf("parse tool result: %w", err)
	}
	if call.IsError {
		c.disconnect()
		return "", fmt.Errorf("peer tool reported error: %s", firstText(call.Content))
	}

	response, convID := extractPeerResponse(&call)
	if convID != "" && messageID != "" {
		c.mu.Lock()
		c.conversationByMessage[messageID] = convID
		c.mu.Unlock()
	}
	if response == "" {
		return "", fmt.Errorf("peer returned no text content")
	}
	return response, nil
}

func (c *Client) ensureConnected(ctx context.Context) (*stdioConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.connected.Load() {
		return c.conn, nil
	}
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}

	conn, err := startStdioConn(c.cfg.Path, []string{"mcp"}, c.cfg.WorkDir, c.logger)
	if err != nil {
		return nil, fmt.Errorf("spawn peer: %w", err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.close()
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// handshake initializes the MCP session and verifies the codex tool is
// actually exposed.
func (c *Client) handshake(ctx context.Context, conn *stdioConn) error {
	_, err := conn.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "duet", "version": "1.0.0"},
	}, 30*time.Second)
	if err != nil {
		return fmt.Errorf("initialize peer: %w", err)
	}
	if err := conn.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	raw, err := conn.call(ctx, "tools/list", nil, 30*time.Second)
	if err != nil {
		return fmt.Errorf("list peer tools: %w", err)
	}
	var tools listToolsResult
	if err := json.Unmarshal(raw, &tools); err != nil {
		return fmt.Errorf("parse peer tools: %w", err)
	}
	for _, t := range tools.Tools {
		if t.Name == "codex" {
			return nil
		}
	}
	return fmt.Errorf("peer does not expose a codex tool")
}

func (c *Client) callTool(ctx context.Context, conn *stdioConn, name string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal tool arguments: %w", err)
	}
	return conn.call(ctx, "tools/call", callToolParams{Name: name, Arguments: raw}, timeout)
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
}

func (c *Client) rememberedConversation(messageID string) string {
	if messageID == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationByMessage[messageID]
}

func (c *Client) sandboxFor(p *persona.Persona) string {
	if p != nil && p.Sandbox != "" {
		return p.Sandbox
	}
	return c.cfg.Sandbox
}

func (c *Client) instructionsFor(p *persona.Persona) string {
	if c.cfg.BaseInstructions != "" {
		return c.cfg.BaseInstructions
	}
	if p != nil {
		return p.Instructions
	}
	return ""
}

// extractPeerResponse pulls the reply text and the peer conversation id
// out of a tool result. The text item may itself carry a JSON object
// with response/conversationId fields; plain text is returned verbatim.
func extractPeerResponse(call *toolCallResult) (response, conversationID string) {
	for _, item := range call.Content {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		var structured struct {
			Response       string `json:"response"`
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal([]byte(item.Text), &structured); err == nil && structured.Response != "" {
			response = structured.Response
			if structured.ConversationID != "" {
				conversationID = structured.ConversationID
			}
			break
		}
		response = item.Text
		break
	}

	if conversationID == "" && len(call.Meta) > 0 {
		var meta struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(call.Meta, &meta); err == nil {
			conversationID = meta.ConversationID
		}
	}
	return response, conversationID
}

func firstText(items []toolResultContent) string {
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return ""
}
