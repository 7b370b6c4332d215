package escalation

import (
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

// Entry is one open escalation as seen by the staff inbox.
type Entry struct {
	SessionID       string     `json:"sessionId"`
	UserID          string     `json:"userId,omitempty"`
	State           chat.State `json:"state"`
	AssignedStaffID string     `json:"assignedStaffId,omitempty"`
	EscalatedAt     time.Time  `json:"escalatedAt"`
	Online          bool       `json:"online"`
}

// Registry indexes open escalations and which visitor connections are live
// per session. It is a cache of the store, rebuilt on boot.
type Registry struct {
	mu       sync.RWMutex
	open     map[string]Entry
	visitors map[string]map[string]struct{} // sessionID -> connection ids
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		open:     make(map[string]Entry),
		visitors: make(map[string]map[string]struct{}),
	}
}

// Rebuild replaces the open set with the escalated sessions in sessions.
func (r *Registry) Rebuild(sessions []chat.Session) {
	open := make(map[string]Entry, len(sessions))
	for _, s := range sessions {
		if !s.State.Escalated() {
			continue
		}
		open[s.ID] = Entry{
			SessionID:       s.ID,
			UserID:          s.UserID,
			State:           s.State,
			AssignedStaffID: s.AssignedStaffID,
			EscalatedAt:     s.LastActivityAt,
		}
	}
	r.mu.Lock()
	r.open = open
	r.mu.Unlock()
}

// Add records a newly escalated session.
func (r *Registry) Add(s chat.Session, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[s.ID] = Entry{
		SessionID:       s.ID,
		UserID:          s.UserID,
		State:           s.State,
		AssignedStaffID: s.AssignedStaffID,
		EscalatedAt:     at,
	}
}

// Assign stores the session's new state and assignee.
func (r *Registry) Assign(s chat.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.open[s.ID]
	if !ok {
		e = Entry{SessionID: s.ID, UserID: s.UserID, EscalatedAt: s.LastActivityAt}
	}
	e.State = s.State
	e.AssignedStaffID = s.AssignedStaffID
	r.open[s.ID] = e
}

// Remove drops a resolved session from the open set.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.open, sessionID)
	r.mu.Unlock()
}

// Get returns the open entry for sessionID.
func (r *Registry) Get(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.open[sessionID]
	if ok {
		e.Online = len(r.visitors[sessionID]) > 0
	}
	return e, ok
}

// List returns open escalations, oldest first.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.open))
	for id, e := range r.open {
		e.Online = len(r.visitors[id]) > 0
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalatedAt.Equal(out[j].EscalatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].EscalatedAt.Before(out[j].EscalatedAt)
	})
	return out
}

// Len returns the number of open escalations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

// AttachVisitor marks connID as serving sessionID. It reports whether the
// session went from offline to online.
func (r *Registry) AttachVisitor(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.visitors[sessionID]
	if !ok {
		conns = make(map[string]struct{})
		r.visitors[sessionID] = conns
	}
	wasOffline := len(conns) == 0
	conns[connID] = struct{}{}
	return wasOffline
}

// DetachVisitor removes connID from sessionID. It reports whether the
// session has no visitor connection left.
func (r *Registry) DetachVisitor(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.visitors[sessionID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.visitors, sessionID)
		return true
	}
	return false
}

// Online reports whether any visitor connection serves sessionID.
func (r *Registry) Online(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.visitors[sessionID]) > 0
}
