package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

type memoryEntry struct {
	mu      sync.Mutex
	session chat.Session
}

// MemoryStore keeps sessions in process memory. The map lock is only held for
// lookup and insert; each session carries its own mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	now      func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// CreateSession implements Store.
func (s *MemoryStore) CreateSession(_ context.Context, id, userID string) (chat.Session, bool, error) {
	if id == "" {
		return chat.Session{}, false, errors.Wrap(chat.ErrInvalidInput, "session id is required")
	}

	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		now := s.now()
		e = &memoryEntry{session: chat.Session{
			ID:             id,
			UserID:         userID,
			Messages:       make([]chat.Message, 0, 16),
			State:          chat.StateBot,
			CreatedAt:      now,
			LastActivityAt: now,
		}}
		s.sessions[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok && e.session.UserID != userID {
		return chat.Session{}, false, errors.Wrapf(chat.ErrConflict, "session %s is bound to another user", id)
	}
	return e.session.Clone(), !ok, nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, id string) (chat.Session, error) {
	e, ok := s.entry(id)
	if !ok {
		return chat.Session{}, errors.Wrapf(chat.ErrNotFound, "session %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, id string, msg chat.Message) (chat.Session, error) {
	e, ok := s.entry(id)
	if !ok {
		return chat.Session{}, errors.Wrapf(chat.ErrNotFound, "session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	prepared, err := chat.PrepareAppend(e.session, msg, now)
	if err != nil {
		return chat.Session{}, err
	}
	prepared.ID = uuid.NewString()

	e.session.Messages = append(e.session.Messages, prepared)
	if prepared.Timestamp.After(e.session.LastActivityAt) {
		e.session.LastActivityAt = prepared.Timestamp
	}
	return e.session.Clone(), nil
}

// SetEscalationState implements Store.
func (s *MemoryStore) SetEscalationState(_ context.Context, id string, to chat.State, staffID string) (chat.Session, error) {
	e, ok := s.entry(id)
	if !ok {
		return chat.Session{}, errors.Wrapf(chat.ErrNotFound, "session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated, err := chat.ApplyTransition(e.session, to, staffID, s.now())
	if err != nil {
		return chat.Session{}, err
	}
	e.session = updated
	return e.session.Clone(), nil
}

// ListByState implements Store.
func (s *MemoryStore) ListByState(_ context.Context, states ...chat.State) ([]chat.Session, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []chat.Session
	for _, e := range entries {
		e.mu.Lock()
		if hasState(states, e.session.State) {
			summary := e.session
			summary.Messages = nil
			out = append(out, summary)
		}
		e.mu.Unlock()
	}
	sortByCreated(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func hasState(states []chat.State, st chat.State) bool {
	for _, candidate := range states {
		if candidate == st {
			return true
		}
	}
	return false
}
