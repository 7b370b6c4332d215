// Package store persists chat sessions and enforces the escalation state machine.
package store

import (
	"context"
	"sort"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

// Store is the durable system of record for sessions. Implementations must
// serialize mutations per session id without blocking other sessions.
type Store interface {
	// CreateSession returns the existing session when id is already bound to
	// userID, and chat.ErrConflict when it is bound to a different user.
	// created reports whether a new session was inserted.
	CreateSession(ctx context.Context, id, userID string) (session chat.Session, created bool, err error)

	GetSession(ctx context.Context, id string) (chat.Session, error)

	// AppendMessage assigns the message id and seq and returns the updated session.
	AppendMessage(ctx context.Context, id string, msg chat.Message) (chat.Session, error)

	SetEscalationState(ctx context.Context, id string, to chat.State, staffID string) (chat.Session, error)

	// ListByState returns sessions currently in any of the given states, without
	// messages, oldest CreatedAt first (ties broken by id).
	ListByState(ctx context.Context, states ...chat.State) ([]chat.Session, error)

	Close() error
}

func sortByCreated(sessions []chat.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
