package chatclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
)

// SessionStore persists the visitor's session id between runs, the way the
// browser widget keeps it in local storage.
type SessionStore interface {
	Load() (string, error)
	Save(sessionID string) error
}

// MemorySessionStore keeps the id for the life of the process.
type MemorySessionStore struct {
	mu sync.Mutex
	id string
}

func (m *MemorySessionStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemorySessionStore) Save(sessionID string) error {
	m.mu.Lock()
	m.id = sessionID
	m.mu.Unlock()
	return nil
}

// FileSessionStore keeps the id in a file.
type FileSessionStore struct {
	Path string
}

func (f FileSessionStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read session file")
	}
	return strings.TrimSpace(string(data)), nil
}

func (f FileSessionStore) Save(sessionID string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return errors.Wrap(err, "create session dir")
	}
	return errors.Wrap(os.WriteFile(f.Path, []byte(sessionID+"\n"), 0o600), "write session file")
}

// VisitorOptions configures a Visitor.
type VisitorOptions struct {
	Options
	UserID   string
	Sessions SessionStore
}

// Visitor is the widget controller: it restores its session on every
// (re)connect and starts a fresh one once staff resolve the conversation.
type Visitor struct {
	*conn
	userID   string
	sessions SessionStore

	mu         sync.RWMutex
	sessionID  string
	transcript []chat.Message
	escalated  bool
	lastError  *ErrorEvent
}

// ErrorEvent is the payload of a server "error" event.
type ErrorEvent realtime.ErrorPayload

func (e *ErrorEvent) Error() string { return e.Code + ": " + e.Message }

// NewVisitor loads or creates the session id and returns an idle controller.
func NewVisitor(opts VisitorOptions) (*Visitor, error) {
	if opts.Sessions == nil {
		opts.Sessions = &MemorySessionStore{}
	}
	id, err := opts.Sessions.Load()
	if err != nil {
		return nil, err
	}
	if _, parseErr := uuid.Parse(id); parseErr != nil {
		id = uuid.NewString()
		if err := opts.Sessions.Save(id); err != nil {
			return nil, err
		}
	}

	v := &Visitor{
		conn:      newConn(opts.Options, "chatclient.visitor", escalation.EventSessionRestored),
		userID:    opts.UserID,
		sessions:  opts.Sessions,
		sessionID: id,
	}
	v.onConnect = v.restore
	v.onEvent = v.handle
	return v, nil
}

// Run connects and keeps reconnecting until ctx ends.
func (v *Visitor) Run(ctx context.Context) error { return v.run(ctx) }

// WaitReady blocks until the current connection received session_restored.
// After Reconnect it waits for the restore on the new socket.
func (v *Visitor) WaitReady(ctx context.Context) error { return v.waitReady(ctx) }

// Events streams every server event after the controller applied it.
func (v *Visitor) Events() <-chan Event { return v.events }

// Send posts visitor text and records it locally; the server does not echo
// a message back to the connection that sent it.
func (v *Visitor) Send(text string) error {
	// 先记录再发送，保证本地顺序早于机器人回复
	v.mu.Lock()
	n := len(v.transcript)
	v.appendLocked(chat.NewMessage(chat.SenderVisitor, text))
	v.mu.Unlock()

	if err := v.send(escalation.EventChatMessage, escalation.ChatMessageRequest{Text: text}); err != nil {
		v.mu.Lock()
		if len(v.transcript) > n && v.transcript[n].Sender == chat.SenderVisitor && v.transcript[n].Text == text {
			v.transcript = append(v.transcript[:n], v.transcript[n+1:]...)
		}
		v.mu.Unlock()
		return err
	}
	return nil
}

// RequestHuman asks for a staff member.
func (v *Visitor) RequestHuman() error {
	return v.send(escalation.EventRequestHuman, nil)
}

// Reconnect drops the socket; Run dials again and restores the session.
func (v *Visitor) Reconnect() { v.dropConnection() }

// SessionID returns the session currently in use.
func (v *Visitor) SessionID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sessionID
}

// Escalated reports whether the conversation is with staff.
func (v *Visitor) Escalated() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.escalated
}

// Transcript returns the messages known for the current session.
func (v *Visitor) Transcript() []chat.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]chat.Message(nil), v.transcript...)
}

// LastError returns the most recent error event, if any.
func (v *Visitor) LastError() *ErrorEvent {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastError
}

func (v *Visitor) restore() error {
	return v.send(escalation.EventRestoreSession, escalation.RestoreSessionRequest{
		SessionID: v.SessionID(),
		UserID:    v.userID,
	})
}

func (v *Visitor) handle(ev Event) {
	switch ev.Type {
	case escalation.EventSessionRestored:
		var p escalation.SessionRestored
		if v.decode(ev, &p) {
			v.mu.Lock()
			v.transcript = append([]chat.Message(nil), p.Messages...)
			v.escalated = p.IsEscalated
			v.mu.Unlock()
			if p.Resolved {
				v.rotate()
			}
		}

	case escalation.EventChatResponse:
		var p escalation.ChatResponse
		if v.decode(ev, &p) {
			v.mu.Lock()
			v.appendLocked(chat.Message{
				Seq:       p.Seq,
				Sender:    p.Sender,
				Text:      p.Text,
				StaffName: p.StaffName,
				Timestamp: p.Timestamp,
			})
			v.mu.Unlock()
		}

	case escalation.EventChatEscalated:
		var p escalation.Notice
		if v.decode(ev, &p) {
			v.mu.Lock()
			v.escalated = true
			v.appendLocked(chat.Message{Sender: chat.SenderSystem, Text: p.Text})
			v.mu.Unlock()
		}

	case escalation.EventEscalationResolved:
		var p escalation.Notice
		if v.decode(ev, &p) {
			v.mu.Lock()
			v.escalated = false
			v.appendLocked(chat.Message{Sender: chat.SenderSystem, Text: p.Text})
			v.mu.Unlock()
			v.rotate()
		}

	case realtime.EventError:
		var p ErrorEvent
		if v.decode(ev, &p) {
			v.mu.Lock()
			v.lastError = &p
			v.mu.Unlock()
			v.logger.Warn().Str("code", p.Code).Str("event", p.Event).Msg(p.Message)
		}
	}
}

// appendLocked keeps the transcript ordered by seq and ignores duplicates.
func (v *Visitor) appendLocked(msg chat.Message) {
	if msg.Seq > 0 {
		for _, m := range v.transcript {
			if m.Seq == msg.Seq {
				return
			}
		}
	}
	v.transcript = append(v.transcript, msg)
}

// rotate switches to a fresh session id and restores it, so the next
// conversation starts with the bot.
func (v *Visitor) rotate() {
	id := uuid.NewString()
	if err := v.sessions.Save(id); err != nil {
		v.logger.Warn().Err(err).Msg("persist new session id failed")
	}
	v.mu.Lock()
	v.sessionID = id
	v.transcript = nil
	v.escalated = false
	v.mu.Unlock()
	if err := v.restore(); err != nil {
		v.logger.Debug().Err(err).Msg("restore after resolve deferred to reconnect")
	}
}

func (v *Visitor) decode(ev Event, dst any) bool {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		v.logger.Warn().Err(err).Str("event", ev.Type).Msg("decode event failed")
		return false
	}
	return true
}
