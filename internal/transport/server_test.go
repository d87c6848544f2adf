package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/duet/internal/dispatch"
	"github.com/haasonsaas/duet/internal/eventlog"
	"github.com/haasonsaas/duet/internal/registry"
	"github.com/haasonsaas/duet/internal/store"
	"github.com/haasonsaas/duet/pkg/models"
)

type testNotifier struct {
	online []models.AssistantID
}

func (n *testNotifier) OnClientOnline(id models.AssistantID) {
	n.online = append(n.online, id)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *registry.Registry, *testNotifier) {
	t.Helper()
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	d := dispatch.New(st, reg, nil, nil, nil, nil)
	notifier := &testNotifier{}
	// Port 0: the httptest listener's port is not known up front.
	srv := New(st, reg, d, nil, notifier, nil, nil, 0, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, reg, notifier
}

func initializeBody() []byte {
	return []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
}

// postMCP sends one message, returning the response and the first SSE
// data payload when the response streamed.
func postMCP(t *testing.T, ts *httptest.Server, sessionID string, headers map[string]string, body []byte) (*http.Response, *jsonrpcResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return resp, nil
	}
	_, payload := readSSEEvent(t, bufio.NewReader(resp.Body))
	var rpc jsonrpcResponse
	if err := json.Unmarshal(payload, &rpc); err != nil {
		t.Fatalf("decode SSE payload: %v\n%s", err, payload)
	}
	return resp, &rpc
}

// readSSEEvent reads one "id:"/"data:" event pair.
func readSSEEvent(t *testing.T, r *bufio.Reader) (id string, payload []byte) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			payload = []byte(strings.TrimPrefix(line, "data: "))
		case line == "" && payload != nil:
			return id, payload
		}
	}
}

func initSession(t *testing.T, ts *httptest.Server, clientID string) string {
	t.Helper()
	headers := map[string]string{}
	if clientID != "" {
		headers["x-client-id"] = clientID
	}
	resp, rpc := postMCP(t, ts, "", headers, initializeBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	if rpc == nil || rpc.Error != nil {
		t.Fatalf("initialize response = %+v", rpc)
	}
	sessionID := resp.Header.Get(sessionHeader)
	if sessionID == "" {
		t.Fatal("no session id header on initialize response")
	}
	return sessionID
}

func TestInitializeCreatesSession(t *testing.T) {
	_, ts, reg, notifier := newTestServer(t)

	sessionID := initSession(t, ts, "claude")
	if !reg.IsOnline(models.AssistantClaude) {
		t.Error("claude not registered online")
	}
	if got := reg.SessionID(models.AssistantClaude); got != sessionID {
		t.Errorf("registry session = %q, want %q", got, sessionID)
	}
	if len(notifier.online) != 1 || notifier.online[0] != models.AssistantClaude {
		t.Errorf("notifier calls = %v", notifier.online)
	}
}

func TestPostWithoutSessionRejected(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"who_am_i","arguments":{}}}`)
	resp, err := http.Post(ts.URL+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var rpc jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error == nil || rpc.Error.Code != -32000 {
		t.Errorf("error = %+v", rpc.Error)
	}
	if !strings.Contains(rpc.Error.Message, "not an initialize request") {
		t.Errorf("message = %q", rpc.Error.Message)
	}
}

func TestPostUnknownSessionRejected(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	resp, _ := postMCP(t, ts, "no-such-session", nil,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var decoded jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Error == nil || decoded.Error.Message != "Bad Request: Unknown session id" {
		t.Errorf("error = %+v", decoded.Error)
	}
}

func TestWhoAmIOverTransport(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	sessionID := initSession(t, ts, "claude")

	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"who_am_i","arguments":{}}}`)
	resp, rpc := postMCP(t, ts, sessionID, nil, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	raw, err := json.Marshal(rpc.Result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `\"client_id\":\"claude\"`) &&
		!strings.Contains(string(raw), `"client_id":"claude"`) {
		t.Errorf("who_am_i result missing identity: %s", raw)
	}
	if !strings.Contains(string(raw), "Claude Code CLI") {
		t.Errorf("who_am_i result missing description: %s", raw)
	}
}

func TestToolsListOverTransport(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	sessionID := initSession(t, ts, "codex")

	_, rpc := postMCP(t, ts, sessionID, nil,
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`))
	raw, _ := json.Marshal(rpc.Result)
	if !strings.Contains(string(raw), `"send_message"`) {
		t.Errorf("tools/list missing send_message: %s", raw)
	}
}

func TestNotificationAccepted(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	sessionID := initSession(t, ts, "claude")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set(sessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestDeleteClosesSession(t *testing.T) {
	_, ts, reg, _ := newTestServer(t)
	sessionID := initSession(t, ts, "claude")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	req.Header.Set(sessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if reg.IsOnline(models.AssistantClaude) {
		t.Error("claude still online after DELETE")
	}

	// The session is gone for further calls.
	resp2, _ := postMCP(t, ts, sessionID, nil, []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`))
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("post after delete status = %d, want 400", resp2.StatusCode)
	}
}

func TestReplayOnGet(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	sessionID := initSession(t, ts, "claude")

	// Generate a few more events on the session's stream.
	for i := 0; i < 3; i++ {
		postMCP(t, ts, sessionID, nil, []byte(`{"jsonrpc":"2.0","id":10,"method":"ping"}`))
	}

	// Resume after the second event; expect the third and fourth.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/mcp", nil)
	req.Header.Set(sessionHeader, sessionID)
	req.Header.Set(resumeHeader, sessionID+":2")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	id1, _ := readSSEEvent(t, reader)
	id2, _ := readSSEEvent(t, reader)
	if id1 != sessionID+":3" || id2 != sessionID+":4" {
		t.Errorf("replayed ids = %q, %q", id1, id2)
	}
	cancel()
}

func TestGetWithoutSessionRejected(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOriginRejected(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(initializeBody()))
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestBadHostRejected(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Host = "evil.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	sessionID := initSession(t, ts, "codex")

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status struct {
		Sessions []struct {
			ID       string `json:"id"`
			ClientID string `json:"clientId"`
		} `json:"sessions"`
		SessionCount int `json:"sessionCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.SessionCount != 1 || len(status.Sessions) != 1 {
		t.Fatalf("status = %+v", status)
	}
	if status.Sessions[0].ID != sessionID || status.Sessions[0].ClientID != "codex" {
		t.Errorf("session entry = %+v", status.Sessions[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %q", health["status"])
	}
	if health["knowledge_graph"] != "unavailable" {
		t.Errorf("knowledge_graph = %q without a configured client", health["knowledge_graph"])
	}
}

func TestDeriveIdentity(t *testing.T) {
	tests := []struct {
		name      string
		clientID  string
		userAgent string
		query     string
		want      models.AssistantID
	}{
		{"header claude", "claude", "", "", models.AssistantClaude},
		{"header codex", "codex", "", "", models.AssistantCodex},
		{"header wins over ua", "codex", "claude-code/1.0", "", models.AssistantCodex},
		{"ua claude-code", "", "claude-code/1.0", "", models.AssistantClaude},
		{"ua Claude", "", "Claude CLI", "", models.AssistantClaude},
		{"ua codex", "", "codex/2.0", "", models.AssistantCodex},
		{"ua Codex", "", "Codex Agent", "", models.AssistantCodex},
		{"query param", "", "", "claude", models.AssistantClaude},
		{"bad header ignored", "gpt", "", "codex", models.AssistantCodex},
		{"nothing", "", "", "", ""},
		{"bad query", "", "", "gpt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "http://127.0.0.1/mcp"
			if tt.query != "" {
				url += "?client=" + tt.query
			}
			req := httptest.NewRequest(http.MethodPost, url, nil)
			if tt.clientID != "" {
				req.Header.Set("x-client-id", tt.clientID)
			}
			if tt.userAgent != "" {
				req.Header.Set("User-Agent", tt.userAgent)
			}
			if got := deriveIdentity(req); got != tt.want {
				t.Errorf("deriveIdentity = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	srv, ts, reg, _ := newTestServer(t)
	initSession(t, ts, "claude")
	initSession(t, ts, "codex")

	srv.Shutdown(context.Background())
	if len(reg.OnlineList()) != 0 {
		t.Error("registry not cleared on shutdown")
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status struct {
		SessionCount int `json:"sessionCount"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	if status.SessionCount != 0 {
		t.Errorf("sessionCount = %d after shutdown", status.SessionCount)
	}
}

func TestSubscribeBridgesReplayAndLive(t *testing.T) {
	sess := &session{id: "S", log: eventlog.New(eventlog.DefaultTTL, eventlog.DefaultMaxEvents)}
	first := sess.record([]byte(`{"n":1}`))

	var replayed []string
	ch := make(chan eventlog.Event, 16)
	sess.subscribe("", ch, func(ev eventlog.Event) error {
		replayed = append(replayed, ev.ID)
		return nil
	})
	if len(replayed) != 1 || replayed[0] != first {
		t.Fatalf("replayed = %v, want [%s]", replayed, first)
	}

	// An event recorded right after the subscription must reach the
	// live channel, not fall between replay and attach.
	second := sess.record([]byte(`{"n":2}`))
	select {
	case ev := <-ch:
		if ev.ID != second {
			t.Errorf("live event id = %s, want %s", ev.ID, second)
		}
	default:
		t.Fatal("event recorded after subscribe was not delivered")
	}
	// And only once.
	select {
	case ev := <-ch:
		t.Errorf("unexpected duplicate event %s", ev.ID)
	default:
	}
	sess.detach(ch)
}
