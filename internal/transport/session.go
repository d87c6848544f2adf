package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/haasonsaas/duet/internal/eventlog"
	"github.com/haasonsaas/duet/internal/toolserver"
	"github.com/haasonsaas/duet/pkg/models"
)

// session is one live tool-call channel. Responses are appended to the
// session's event log (stream id = session id) so a reconnecting client
// can replay what it missed.
type session struct {
	id        string
	assistant models.AssistantID // "" when anonymous
	tools     *toolserver.Server
	log       *eventlog.Log

	mu         sync.Mutex
	subscriber chan eventlog.Event // attached GET stream, nil when absent
}

// record stores the response in the event log and hands it to the
// attached GET stream, if any. It returns the assigned event id.
// Holding mu across both steps keeps record and subscribe ordered:
// every event lands in the log before the subscriber changes, or is
// sent to the subscriber after it attached — never neither.
func (s *session) record(payload []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.log.Store(s.id, payload)
	if s.subscriber != nil {
		select {
		case s.subscriber <- eventlog.Event{ID: id, Payload: payload}:
		default:
			// A full channel means a stalled reader; it recovers by
			// reconnecting with its last event id.
		}
	}
	return id
}

// subscribe replays events after lastEventID through send and installs
// ch as the live stream in one step, so nothing recorded in between is
// lost. Any previous subscriber is displaced.
func (s *session) subscribe(lastEventID string, ch chan eventlog.Event, send func(eventlog.Event) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.ReplayAfter(lastEventID, send)
	s.subscriber = ch
}

// detach removes ch if it is still the active subscriber.
func (s *session) detach(ch chan eventlog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber == ch {
		s.subscriber = nil
	}
}

// writeSSEEvent writes one server-sent event and flushes it.
func writeSSEEvent(w http.ResponseWriter, id string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", id, payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(errorResponse(nil, -32603, "encode response"))
	}
	return raw
}
