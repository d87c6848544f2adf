// Package transport serves the streamable tool-call HTTP surface:
// session lifecycle over POST/GET/DELETE on one path, with per-session
// event logs for resumable streaming.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/duet/internal/dispatch"
	"github.com/haasonsaas/duet/internal/eventlog"
	"github.com/haasonsaas/duet/internal/kg"
	"github.com/haasonsaas/duet/internal/observability"
	"github.com/haasonsaas/duet/internal/registry"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/internal/toolserver"
	"github.com/haasonsaas/duet/pkg/models"
)

const (
	sessionHeader = "Mcp-Session-Id"
	resumeHeader  = "Last-Event-Id"

	serverName    = "duet"
	serverVersion = "0.1.0"

	keepaliveInterval = 30 * time.Second
)

// OnlineNotifier receives the session-initialised drain trigger.
// Satisfied by *queue.Processor.
type OnlineNotifier interface {
	OnClientOnline(id models.AssistantID)
}

// Server owns the sessions map and the HTTP handlers.
type Server struct {
	store      *store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	kg         *kg.Client
	notifier   OnlineNotifier
	metrics    *observability.Metrics
	promReg    *prometheus.Registry
	port       int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates the transport server. notifier may be nil. port is the
// listening port enforced on the Host header; 0 accepts any loopback
// port.
func New(st *store.Store, reg *registry.Registry, d *dispatch.Dispatcher, kgClient *kg.Client, notifier OnlineNotifier, metrics *observability.Metrics, promReg *prometheus.Registry, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		registry:   reg,
		dispatcher: d,
		kg:         kgClient,
		notifier:   notifier,
		metrics:    metrics,
		promReg:    promReg,
		port:       port,
		logger:     logger.With("component", "transport"),
		sessions:   make(map[string]*session),
	}
}

// Handler returns the full HTTP surface wrapped in the loopback
// security filter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	if s.promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	return s.secure(mux)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, "Bad Request: unreadable body")
		return
	}
	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(w, "Bad Request: malformed JSON-RPC message")
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		if req.Method != "initialize" {
			badRequest(w, "Bad Request: missing session id and not an initialize request")
			return
		}
		s.initializeSession(w, r, &req)
		return
	}

	sess := s.lookup(sessionID)
	if sess == nil {
		badRequest(w, "Bad Request: Unknown session id")
		return
	}
	s.dispatchToSession(w, r, sess, &req)
}

// initializeSession creates a session bound to the derived identity and
// streams the initialize reply.
func (s *Server) initializeSession(w http.ResponseWriter, r *http.Request, req *jsonrpcRequest) {
	identity := deriveIdentity(r)
	sess := &session{
		id:        uuid.New().String(),
		assistant: identity,
		log:       eventlog.New(eventlog.DefaultTTL, eventlog.DefaultMaxEvents),
	}
	sess.tools = toolserver.New(identity, s.store, s.dispatcher, s.kg, s.metrics, s.logger)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}

	if identity != "" {
		s.registry.SetOnline(identity, sess.id)
		if err := s.store.UpdateClientStatus(r.Context(), identity, models.ClientOnline, sess.id); err != nil {
			s.logger.Warn("client status mirror failed", "client", identity, "error", err)
		}
		if s.notifier != nil {
			s.notifier.OnClientOnline(identity)
		}
	}
	s.logger.Info("session initialized", "session_id", sess.id, "client", string(identity))

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
		ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
	}
	w.Header().Set(sessionHeader, sess.id)
	s.streamResponse(w, sess, resultResponse(req.ID, result))
}

// dispatchToSession handles one protocol message on an established
// session and streams the response.
func (s *Server) dispatchToSession(w http.ResponseWriter, r *http.Request, sess *session, req *jsonrpcRequest) {
	if req.isNotification() {
		// notifications/initialized and friends need no reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var resp *jsonrpcResponse
	switch req.Method {
	case "initialize":
		resp = resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		})
	case "ping":
		resp = resultResponse(req.ID, map[string]any{})
	case "tools/list":
		resp = resultResponse(req.ID, map[string]any{"tools": sess.tools.List()})
	case "tools/call":
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp = errorResponse(req.ID, -32602, fmt.Sprintf("invalid params: %v", err))
			break
		}
		result := sess.tools.Call(r.Context(), params.Name, params.Arguments)
		resp = resultResponse(req.ID, result)
	default:
		resp = errorResponse(req.ID, -32601, fmt.Sprintf("method not found: %s", req.Method))
	}
	s.streamResponse(w, sess, resp)
}

// streamResponse records the response in the session's event log and
// writes it as a single-event SSE stream.
func (s *Server) streamResponse(w http.ResponseWriter, sess *session, resp *jsonrpcResponse) {
	payload := mustMarshal(resp)
	id := sess.record(payload)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(w, id, payload); err != nil {
		s.logger.Debug("response stream write failed", "session_id", sess.id, "error", err)
	}
}

// handleGet attaches (or resumes) the session's server-sent event
// stream, replaying events after the client's last-event-id anchor.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		badRequest(w, "Bad Request: missing session id")
		return
	}
	sess := s.lookup(sessionID)
	if sess == nil {
		badRequest(w, "Bad Request: Unknown session id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	ch := make(chan eventlog.Event, 16)
	sess.subscribe(r.Header.Get(resumeHeader), ch, func(ev eventlog.Event) error {
		return writeSSEEvent(w, ev.ID, ev.Payload)
	})
	defer sess.detach(ch)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeSSEEvent(w, ev.ID, ev.Payload); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// handleDelete terminates the session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		badRequest(w, "Bad Request: missing session id")
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		badRequest(w, "Bad Request: Unknown session id")
		return
	}
	s.closeSession(r.Context(), sess)
	w.WriteHeader(http.StatusOK)
}

// closeSession marks the owning assistant offline and mirrors the
// transition to the store.
func (s *Server) closeSession(ctx context.Context, sess *session) {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
	if sess.assistant == "" {
		return
	}
	// Only take the assistant offline if this session still owns it.
	if s.registry.SessionID(sess.assistant) == sess.id {
		s.registry.SetOffline(sess.assistant)
		if err := s.store.UpdateClientStatus(ctx, sess.assistant, models.ClientOffline, ""); err != nil {
			s.logger.Warn("client status mirror failed", "client", sess.assistant, "error", err)
		}
	}
	s.logger.Info("session closed", "session_id", sess.id, "client", string(sess.assistant))
}

// Shutdown closes every live session and clears the registry.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.closeSession(ctx, sess)
	}
	s.registry.Clear()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type sessionStatus struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	s.mu.Lock()
	out := make([]sessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sessionStatus{ID: sess.id, ClientID: string(sess.assistant)})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":     out,
		"sessionCount": len(out),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	kgStatus := "unavailable"
	if s.kg != nil {
		probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.kg.Available(probeCtx) {
			kgStatus = "available"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"knowledge_graph": kgStatus,
	})
}

func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// deriveIdentity resolves the calling assistant: x-client-id header,
// then user-agent substrings, then the client query parameter. Only the
// two literal assistant ids are accepted.
func deriveIdentity(r *http.Request) models.AssistantID {
	if id, err := models.ParseAssistantID(r.Header.Get("x-client-id")); err == nil {
		return id
	}
	ua := r.Header.Get("User-Agent")
	switch {
	case strings.Contains(ua, "claude-code"), strings.Contains(ua, "Claude"):
		return models.AssistantClaude
	case strings.Contains(ua, "codex"), strings.Contains(ua, "Codex"):
		return models.AssistantCodex
	}
	if id, err := models.ParseAssistantID(r.URL.Query().Get("client")); err == nil {
		return id
	}
	return ""
}

// badRequest writes the 400 JSON-RPC error envelope used for session
// bookkeeping failures.
func badRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	payload := mustMarshal(errorResponse(nil, -32000, message))
	w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
