// Package kg is a best-effort client for the local knowledge-graph
// service. Sync is advisory: every failure is swallowed after logging.
package kg

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client posts entities and memory items to the knowledge graph.
type Client struct {
	baseURL string
	host    string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the knowledge graph at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	host := ""
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}
	return &Client{
		baseURL: baseURL,
		host:    host,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger.With("component", "kg"),
	}
}

// Entity is a knowledge-graph node with observations.
type Entity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// MemoryItem is a free-form memory record.
type MemoryItem struct {
	Content  string         `json:"content"`
	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SyncEntity posts an entity. Failures are logged and dropped.
func (c *Client) SyncEntity(ctx context.Context, e Entity) {
	c.post(ctx, "/api/entity", e)
}

// SyncMemoryItem posts a memory item. Failures are logged and dropped.
func (c *Client) SyncMemoryItem(ctx context.Context, item MemoryItem) {
	c.post(ctx, "/api/memory-items", item)
}

// SyncConversationSummary records a closed conversation as an entity
// plus a memory item carrying the summary text.
func (c *Client) SyncConversationSummary(ctx context.Context, conversationID, title, summary string) {
	c.SyncEntity(ctx, Entity{
		Name:         "conversation:" + conversationID,
		EntityType:   "conversation",
		Observations: []string{title, summary},
	})
	c.SyncMemoryItem(ctx, MemoryItem{
		Content:  summary,
		Category: "conversation_summary",
		Metadata: map[string]any{"conversation_id": conversationID, "title": title},
	})
}

// Available probes the knowledge graph for the /health report.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	c.pinHost(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Client) post(ctx context.Context, path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Debug("kg sync skipped", "path", path, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		c.logger.Debug("kg sync skipped", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	c.pinHost(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("kg sync failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("kg sync rejected", "path", path, "status", resp.StatusCode)
	}
}

// pinHost forces the Host header to the loopback authority so the
// request cannot be rerouted by name resolution.
func (c *Client) pinHost(req *http.Request) {
	if c.host != "" {
		req.Host = c.host
	}
}
