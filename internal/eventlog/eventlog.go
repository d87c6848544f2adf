// Package eventlog provides a per-session append-only buffer of
// protocol events supporting resumable replay.
package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long an event stays replayable.
	DefaultTTL = 15 * time.Minute
	// DefaultMaxEvents bounds the buffer size per stream.
	DefaultMaxEvents = 5000
)

// Event is one stored protocol event. The ID format is
// "<streamID>:<seq>" with seq starting at 1 per stream.
type Event struct {
	ID      string
	Ts      time.Time
	Payload []byte
}

type stream struct {
	nextSeq int64
	events  []Event
	index   map[string]int // event id -> position in events
}

// Log is an in-memory event log. Storage never fails; pruning is
// best-effort and an evicted or unknown last-event-id simply yields an
// empty replay.
type Log struct {
	mu        sync.Mutex
	streams   map[string]*stream
	ttl       time.Duration
	maxEvents int
	now       func() time.Time
}

// New creates a Log with the given retention policy. Zero values select
// the defaults.
func New(ttl time.Duration, maxEvents int) *Log {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Log{
		streams:   make(map[string]*stream),
		ttl:       ttl,
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

// Store appends payload to the stream and returns the assigned event id.
func (l *Log) Store(streamID string, payload []byte) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.streams[streamID]
	if st == nil {
		st = &stream{nextSeq: 1, index: make(map[string]int)}
		l.streams[streamID] = st
	}

	id := fmt.Sprintf("%s:%d", streamID, st.nextSeq)
	st.nextSeq++
	st.index[id] = len(st.events)
	st.events = append(st.events, Event{ID: id, Ts: l.now(), Payload: payload})

	l.prune(st)
	return id
}

// ReplayAfter sends every event after lastEventID, in order, awaiting
// each send before the next. It returns the stream id the anchor
// belonged to, or "" when no replay is possible (empty, unknown, or
// evicted anchor). A send error aborts the replay.
func (l *Log) ReplayAfter(lastEventID string, send func(Event) error) string {
	if lastEventID == "" {
		return ""
	}
	streamID, _, ok := splitEventID(lastEventID)
	if !ok {
		return ""
	}

	l.mu.Lock()
	st := l.streams[streamID]
	if st == nil {
		l.mu.Unlock()
		return ""
	}
	l.prune(st)
	pos, ok := st.index[lastEventID]
	if !ok {
		l.mu.Unlock()
		return ""
	}
	pending := make([]Event, len(st.events)-pos-1)
	copy(pending, st.events[pos+1:])
	l.mu.Unlock()

	for _, ev := range pending {
		if err := send(ev); err != nil {
			break
		}
	}
	return streamID
}

// prune drops events past the TTL, then trims the head until the stream
// fits the cap. The index is rebuilt whenever entries were dropped.
// Callers must hold l.mu.
func (l *Log) prune(st *stream) {
	cutoff := l.now().Add(-l.ttl)
	drop := 0
	for drop < len(st.events) && st.events[drop].Ts.Before(cutoff) {
		drop++
	}
	if over := len(st.events) - l.maxEvents; over > drop {
		drop = over
	}
	if drop == 0 {
		return
	}

	st.events = append(st.events[:0], st.events[drop:]...)
	st.index = make(map[string]int, len(st.events))
	for i, ev := range st.events {
		st.index[ev.ID] = i
	}
}

// splitEventID recovers the stream id by splitting on the first colon.
func splitEventID(id string) (streamID string, seq int64, ok bool) {
	i := strings.Index(id, ":")
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, false
	}
	return id[:i], seq, true
}
