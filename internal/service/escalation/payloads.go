package escalation

import (
	"time"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

// Inbound event types.
const (
	EventRestoreSession = "restore_session"
	EventChatMessage    = "chat_message"
	EventRequestHuman   = "request_human_assistance"
	EventJoinStaff      = "join_staff"
	EventStaffResponse  = "staff_response"
	EventResolve        = "resolve_escalation"
	EventOpenSession    = "open_session"
)

// Outbound event types.
const (
	EventSessionRestored    = "session_restored"
	EventChatResponse       = "chat_response"
	EventChatEscalated      = "chat_escalated"
	EventEscalationResolved = "escalation_resolved"

	EventNewEscalation      = "new_escalation"
	EventEscalatedMessage   = "escalated_message"
	EventStaffMessage       = "staff_message"
	EventEscalationAssigned = "escalation_assigned"
	EventEscalationClosed   = "escalation_closed"
	EventEscalationPresence = "escalation_presence"
	EventEscalationSnapshot = "escalation_snapshot"
	EventSessionHistory     = "session_history"
)

// RestoreSessionRequest is sent by the visitor widget on every (re)connect.
type RestoreSessionRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// ChatMessageRequest carries visitor text.
type ChatMessageRequest struct {
	Text string `json:"text"`
}

// StaffResponseRequest carries a staff reply.
type StaffResponseRequest struct {
	TargetSessionID string `json:"targetSessionId"`
	Text            string `json:"text"`
}

// TargetSessionRequest addresses one session from the staff inbox.
type TargetSessionRequest struct {
	TargetSessionID string `json:"targetSessionId"`
}

// SessionRestored answers restore_session with the full transcript.
type SessionRestored struct {
	SessionID   string         `json:"sessionId"`
	Messages    []chat.Message `json:"messages"`
	IsEscalated bool           `json:"isEscalated"`
	State       chat.State     `json:"state"`
	Resolved    bool           `json:"resolved,omitempty"`
}

// ChatResponse delivers one transcript entry to the visitor.
type ChatResponse struct {
	SessionID string      `json:"sessionId"`
	Seq       int64       `json:"seq"`
	Text      string      `json:"text"`
	Sender    chat.Sender `json:"sender"`
	StaffName string      `json:"staffName,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notice is a system notice shown in the visitor widget.
type Notice struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// NewEscalation tells staff that a session is waiting. It never carries history.
type NewEscalation struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// EscalatedMessage relays visitor traffic on an escalated session to staff.
type EscalatedMessage struct {
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// StaffMessage lets every staff member observe replies sent by colleagues.
type StaffMessage struct {
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	StaffID   string    `json:"staffId"`
	StaffName string    `json:"staffName"`
	Timestamp time.Time `json:"timestamp"`
}

// EscalationAssigned announces which staff member won the session.
type EscalationAssigned struct {
	SessionID string `json:"sessionId"`
	StaffID   string `json:"staffId"`
	StaffName string `json:"staffName"`
}

// EscalationClosed removes a session from every staff inbox.
type EscalationClosed struct {
	SessionID string `json:"sessionId"`
	StaffID   string `json:"staffId"`
}

// EscalationPresence reports the visitor's connection status to staff.
type EscalationPresence struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId,omitempty"`
	State     chat.State `json:"state"`
	Online    bool       `json:"online"`
}

// EscalationSnapshot is sent on join_staff so a (re)connected inbox starts consistent.
type EscalationSnapshot struct {
	Escalations []Entry `json:"escalations"`
}

// SessionHistory answers open_session.
type SessionHistory struct {
	SessionID       string         `json:"sessionId"`
	UserID          string         `json:"userId,omitempty"`
	State           chat.State     `json:"state"`
	AssignedStaffID string         `json:"assignedStaffId,omitempty"`
	Messages        []chat.Message `json:"messages"`
}

func chatResponse(sessionID string, msg chat.Message) ChatResponse {
	return ChatResponse{
		SessionID: sessionID,
		Seq:       msg.Seq,
		Text:      msg.Text,
		Sender:    msg.Sender,
		StaffName: msg.StaffName,
		Timestamp: msg.Timestamp,
	}
}

func escalatedMessage(sessionID string, msg chat.Message) EscalatedMessage {
	return EscalatedMessage{SessionID: sessionID, Seq: msg.Seq, Text: msg.Text, Timestamp: msg.Timestamp}
}

func staffMessage(sessionID, staffID string, msg chat.Message) StaffMessage {
	return StaffMessage{
		SessionID: sessionID,
		Seq:       msg.Seq,
		Text:      msg.Text,
		StaffID:   staffID,
		StaffName: msg.StaffName,
		Timestamp: msg.Timestamp,
	}
}
