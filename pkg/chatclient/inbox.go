package chatclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
)

// InboxItem is one open escalation in the staff inbox.
type InboxItem struct {
	escalation.Entry
	Unread int `json:"unread"`
}

// StaffInbox is the staff console controller. It re-joins the staff room and
// reloads the open escalations after every reconnect.
type StaffInbox struct {
	*conn

	mu        sync.RWMutex
	items     map[string]*InboxItem
	lastError *ErrorEvent
}

// NewStaffInbox returns an idle inbox. opts.URL must carry the staff identity
// (staffId, staffName, token query parameters) unless opts.Header does.
func NewStaffInbox(opts Options) *StaffInbox {
	in := &StaffInbox{
		conn:  newConn(opts, "chatclient.inbox", escalation.EventEscalationSnapshot),
		items: make(map[string]*InboxItem),
	}
	in.onConnect = func() error { return in.send(escalation.EventJoinStaff, nil) }
	in.onEvent = in.handle
	return in
}

// Run connects and keeps reconnecting until ctx ends.
func (in *StaffInbox) Run(ctx context.Context) error { return in.run(ctx) }

// WaitReady blocks until the current connection received its
// escalation_snapshot. After Reconnect it waits for the new snapshot.
func (in *StaffInbox) WaitReady(ctx context.Context) error { return in.waitReady(ctx) }

// Events streams every server event after the inbox applied it.
func (in *StaffInbox) Events() <-chan Event { return in.events }

// Reply answers a visitor; the first reply claims a waiting session.
func (in *StaffInbox) Reply(sessionID, text string) error {
	if err := in.send(escalation.EventStaffResponse, escalation.StaffResponseRequest{TargetSessionID: sessionID, Text: text}); err != nil {
		return err
	}
	in.mu.Lock()
	if item, ok := in.items[sessionID]; ok {
		item.Unread = 0
	}
	in.mu.Unlock()
	return nil
}

// Resolve closes the conversation.
func (in *StaffInbox) Resolve(sessionID string) error {
	return in.send(escalation.EventResolve, escalation.TargetSessionRequest{TargetSessionID: sessionID})
}

// Open asks for the full history; it arrives as a session_history event.
func (in *StaffInbox) Open(sessionID string) error {
	return in.send(escalation.EventOpenSession, escalation.TargetSessionRequest{TargetSessionID: sessionID})
}

// Reconnect drops the socket; Run dials again and re-joins.
func (in *StaffInbox) Reconnect() { in.dropConnection() }

// Items returns open escalations, oldest first.
func (in *StaffInbox) Items() []InboxItem {
	in.mu.RLock()
	out := make([]InboxItem, 0, len(in.items))
	for _, item := range in.items {
		out = append(out, *item)
	}
	in.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalatedAt.Equal(out[j].EscalatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].EscalatedAt.Before(out[j].EscalatedAt)
	})
	return out
}

// Item returns one escalation.
func (in *StaffInbox) Item(sessionID string) (InboxItem, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	item, ok := in.items[sessionID]
	if !ok {
		return InboxItem{}, false
	}
	return *item, true
}

// LastError returns the most recent error event, if any.
func (in *StaffInbox) LastError() *ErrorEvent {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastError
}

func (in *StaffInbox) handle(ev Event) {
	switch ev.Type {
	case escalation.EventEscalationSnapshot:
		var p escalation.EscalationSnapshot
		if !in.decode(ev, &p) {
			return
		}
		in.mu.Lock()
		prev := in.items
		in.items = make(map[string]*InboxItem, len(p.Escalations))
		for _, e := range p.Escalations {
			item := &InboxItem{Entry: e}
			if old, ok := prev[e.SessionID]; ok {
				item.Unread = old.Unread
			}
			in.items[e.SessionID] = item
		}
		in.mu.Unlock()

	case escalation.EventNewEscalation:
		var p escalation.NewEscalation
		if !in.decode(ev, &p) {
			return
		}
		in.mu.Lock()
		if _, ok := in.items[p.SessionID]; !ok {
			in.items[p.SessionID] = &InboxItem{Entry: escalation.Entry{
				SessionID:   p.SessionID,
				UserID:      p.UserID,
				State:       chat.StateWaitingStaff,
				EscalatedAt: p.Timestamp,
				Online:      p.Online,
			}}
		}
		in.mu.Unlock()

	case escalation.EventEscalatedMessage:
		var p escalation.EscalatedMessage
		if !in.decode(ev, &p) {
			return
		}
		in.update(p.SessionID, func(item *InboxItem) { item.Unread++ })

	case escalation.EventEscalationAssigned:
		var p escalation.EscalationAssigned
		if !in.decode(ev, &p) {
			return
		}
		in.update(p.SessionID, func(item *InboxItem) {
			item.State = chat.StateStaffConnected
			item.AssignedStaffID = p.StaffID
		})

	case escalation.EventEscalationPresence:
		var p escalation.EscalationPresence
		if !in.decode(ev, &p) {
			return
		}
		in.update(p.SessionID, func(item *InboxItem) { item.Online = p.Online })

	case escalation.EventEscalationClosed:
		var p escalation.EscalationClosed
		if !in.decode(ev, &p) {
			return
		}
		in.mu.Lock()
		delete(in.items, p.SessionID)
		in.mu.Unlock()

	case realtime.EventError:
		var p ErrorEvent
		if !in.decode(ev, &p) {
			return
		}
		in.mu.Lock()
		in.lastError = &p
		in.mu.Unlock()
		in.logger.Warn().Str("code", p.Code).Str("event", p.Event).Msg(p.Message)
	}
}

func (in *StaffInbox) update(sessionID string, fn func(*InboxItem)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if item, ok := in.items[sessionID]; ok {
		fn(item)
	}
}

func (in *StaffInbox) decode(ev Event, dst any) bool {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		in.logger.Warn().Err(err).Str("event", ev.Type).Msg("decode event failed")
		return false
	}
	return true
}
