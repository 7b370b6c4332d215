package chat

import (
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
)

// MaxSessionIDLen bounds client generated session ids.
const MaxSessionIDLen = 128

// State 表示会话所处的人工介入阶段。
type State string

const (
	StateBot            State = "BOT"
	StateWaitingStaff   State = "WAITING_STAFF"
	StateStaffConnected State = "STAFF_CONNECTED"
	StateResolved       State = "RESOLVED"
)

// Escalated reports whether a human is (or is about to be) handling the session.
func (s State) Escalated() bool {
	return s == StateWaitingStaff || s == StateStaffConnected
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateBot, StateWaitingStaff, StateStaffConnected, StateResolved:
		return true
	default:
		return false
	}
}

// ValidateSessionID accepts any opaque client id that is non-blank, at most
// MaxSessionIDLen bytes, and free of whitespace and control characters.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.Wrap(ErrInvalidInput, "session id is required")
	}
	if len(id) > MaxSessionIDLen {
		return errors.Wrapf(ErrInvalidInput, "session id longer than %d bytes", MaxSessionIDLen)
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return errors.Wrapf(ErrInvalidInput, "session id %q contains whitespace or control characters", id)
	}
	return nil
}

// Session is a single visitor conversation keyed by a client generated identifier.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId,omitempty"`
	Messages        []Message `json:"messages"`
	State           State     `json:"escalationState"`
	AssignedStaffID string    `json:"assignedStaffId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// LastMessage returns the most recent message, if any.
func (s Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Clone returns a copy whose message slice does not alias s.
func (s Session) Clone() Session {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}
