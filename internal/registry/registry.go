// Package registry tracks which assistant currently holds a live
// session. It is the authoritative answer for "is the peer reachable
// right now"; the clients table in the store is a persisted mirror.
package registry

import (
	"sync"

	"github.com/haasonsaas/duet/pkg/models"
)

// Registry maps assistant ids to live session ids. Safe for concurrent
// readers with rare writers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[models.AssistantID]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[models.AssistantID]string)}
}

// SetOnline records a live session for the assistant, replacing any
// previous mapping.
func (r *Registry) SetOnline(id models.AssistantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sessionID
}

// SetOffline removes the assistant's mapping.
func (r *Registry) SetOffline(id models.AssistantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// IsOnline reports whether the assistant has a live session.
func (r *Registry) IsOnline(id models.AssistantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// SessionID returns the assistant's session id, or "" when offline.
func (r *Registry) SessionID(id models.AssistantID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// OnlineList returns the assistants currently online.
func (r *Registry) OnlineList() []models.AssistantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AssistantID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Clear removes all mappings. Used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[models.AssistantID]string)
}
