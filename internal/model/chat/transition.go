package chat

import (
	"time"

	"github.com/pkg/errors"
)

// ApplyTransition validates moving s to the target state and returns the updated
// session. staffID binds assignedStaffId on WAITING_STAFF -> STAFF_CONNECTED; a
// session that already has an assignee keeps it.
func ApplyTransition(s Session, to State, staffID string, now time.Time) (Session, error) {
	if !to.Valid() {
		return s, errors.Wrapf(ErrInvalidTransition, "unknown state %q", to)
	}

	switch {
	case s.State == StateBot && to == StateBot:
		return s, nil
	case s.State == StateBot && to == StateWaitingStaff:
	case s.State == StateWaitingStaff && to == StateStaffConnected:
		if staffID == "" {
			return s, errors.Wrap(ErrInvalidTransition, "staff id required to connect")
		}
		s.AssignedStaffID = staffID
	case s.State == StateStaffConnected && to == StateStaffConnected:
		return s, nil
	case s.State.Escalated() && to == StateResolved:
	default:
		return s, errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.State, to)
	}

	s.State = to
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	return s, nil
}

// PrepareAppend stamps msg for insertion at the end of s: next seq and a timestamp
// no earlier than the previous message.
func PrepareAppend(s Session, msg Message, now time.Time) (Message, error) {
	if s.State == StateResolved {
		return msg, errors.Wrap(ErrConflict, "session is resolved")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Seq = 1
	if last, ok := s.LastMessage(); ok {
		msg.Seq = last.Seq + 1
		if msg.Timestamp.Before(last.Timestamp) {
			msg.Timestamp = last.Timestamp
		}
	}
	if msg.Sender != SenderStaff {
		msg.StaffName = ""
	}
	return msg, nil
}
