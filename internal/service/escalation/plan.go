package escalation

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/medlink/backend/internal/events"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/assistant"
)

// OpKind enumerates the effects a plan can ask the executor for.
type OpKind int

const (
	// store
	OpAppend OpKind = iota + 1
	OpTransition

	// registry
	OpRegister
	OpAssign
	OpForget

	// rooms
	OpJoinSession
	OpLeaveSession

	// delivery
	OpReply
	OpBroadcast
	OpPublish
)

func (k OpKind) String() string {
	switch k {
	case OpAppend:
		return "append"
	case OpTransition:
		return "transition"
	case OpRegister:
		return "register"
	case OpAssign:
		return "assign"
	case OpForget:
		return "forget"
	case OpJoinSession:
		return "join_session"
	case OpLeaveSession:
		return "leave_session"
	case OpReply:
		return "reply"
	case OpBroadcast:
		return "broadcast"
	case OpPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Op is one step of a Plan.
type Op struct {
	Kind OpKind

	// OpAppend
	Message chat.Message

	// OpTransition
	To      chat.State
	StaffID string

	// OpReply / OpBroadcast
	Event        string
	Payload      any
	Room         string
	ExceptOrigin bool
	// Stamp, when set, rebuilds Payload from the stored copy of the Ref-th
	// appended message (1 based) so clients see store assigned seq and timestamp.
	Ref   int
	Stamp func(chat.Message) any

	// OpPublish
	Lifecycle events.Type
}

// Plan is the ordered list of effects for one inbound event. Store ops always
// precede the deliveries that depend on them.
type Plan struct {
	SessionID string
	Ops       []Op
}

func (p *Plan) add(op Op) { p.Ops = append(p.Ops, op) }

func (p *Plan) appendMessage(msg chat.Message) int {
	p.add(Op{Kind: OpAppend, Message: msg})
	n := 0
	for _, op := range p.Ops {
		if op.Kind == OpAppend {
			n++
		}
	}
	return n
}

func (p *Plan) deliver(kind OpKind, room, event string, ref int, msg chat.Message, except bool, stamp func(chat.Message) any) {
	p.add(Op{
		Kind:         kind,
		Room:         room,
		Event:        event,
		Payload:      stamp(msg),
		ExceptOrigin: except,
		Ref:          ref,
		Stamp:        stamp,
	})
}

// Kinds lists the op kinds in order.
func (p Plan) Kinds() []OpKind {
	out := make([]OpKind, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.Kind
	}
	return out
}

// Notice texts shown to the visitor.
const (
	EscalatedNotice = "You've requested to speak with a member of our staff. Please hold on, someone will be with you shortly."
	ResolvedNotice  = "This conversation has been marked as resolved by our staff. Thank you for contacting us. Start a new chat any time if you need more help."
)

// PlanRestore answers restore_session: the transcript, a greeting for brand
// new sessions and room membership for escalated ones.
func PlanRestore(s chat.Session, engine *assistant.Engine) Plan {
	p := Plan{SessionID: s.ID}
	restored := SessionRestored{
		SessionID:   s.ID,
		Messages:    s.Messages,
		IsEscalated: s.State.Escalated(),
		State:       s.State,
		Resolved:    s.State == chat.StateResolved,
	}
	if restored.Messages == nil {
		restored.Messages = []chat.Message{}
	}

	greeting, ok := engine.Greeting(s)
	ok = ok && s.State == chat.StateBot
	ref := 0
	if ok {
		ref = p.appendMessage(greeting)
	}
	p.add(Op{Kind: OpReply, Event: EventSessionRestored, Payload: restored})
	if ok {
		p.deliver(OpReply, "", EventChatResponse, ref, greeting, false, func(m chat.Message) any {
			return chatResponse(s.ID, m)
		})
	}
	if s.State != chat.StateResolved {
		p.add(Op{Kind: OpJoinSession, Room: realtime.SessionRoom(s.ID)})
	}
	return p
}

// PlanVisitorMessage routes visitor text to the bot or, once escalated, to staff.
func PlanVisitorMessage(s chat.Session, text string, engine *assistant.Engine) (Plan, error) {
	p := Plan{SessionID: s.ID}
	text = strings.TrimSpace(text)
	if text == "" {
		return p, errors.Wrap(chat.ErrInvalidInput, "text is required")
	}
	if s.State == chat.StateResolved {
		return p, errors.Wrap(chat.ErrConflict, "session is resolved")
	}

	visitor := chat.NewMessage(chat.SenderVisitor, text)
	ref := p.appendMessage(visitor)
	room := realtime.SessionRoom(s.ID)

	if s.State == chat.StateBot {
		reply := engine.Reply(text, s)
		replyRef := p.appendMessage(reply)
		// echo to the visitor's other tabs, then answer everyone in the session
		p.deliver(OpBroadcast, room, EventChatResponse, ref, visitor, true, func(m chat.Message) any {
			return chatResponse(s.ID, m)
		})
		p.deliver(OpBroadcast, room, EventChatResponse, replyRef, reply, false, func(m chat.Message) any {
			return chatResponse(s.ID, m)
		})
		return p, nil
	}

	p.deliver(OpBroadcast, room, EventChatResponse, ref, visitor, true, func(m chat.Message) any {
		return chatResponse(s.ID, m)
	})
	p.deliver(OpBroadcast, realtime.StaffRoom, EventEscalatedMessage, ref, visitor, false, func(m chat.Message) any {
		return escalatedMessage(s.ID, m)
	})
	return p, nil
}

// PlanRequestHuman escalates a bot session. Repeating the request on an
// escalated session yields an empty plan.
func PlanRequestHuman(s chat.Session) (Plan, error) {
	p := Plan{SessionID: s.ID}
	switch s.State {
	case chat.StateWaitingStaff, chat.StateStaffConnected:
		return p, nil
	case chat.StateResolved:
		return p, errors.Wrap(chat.ErrInvalidTransition, "session is resolved")
	}

	notice := chat.NewMessage(chat.SenderSystem, EscalatedNotice)
	p.add(Op{Kind: OpTransition, To: chat.StateWaitingStaff})
	ref := p.appendMessage(notice)
	p.add(Op{Kind: OpRegister})
	p.add(Op{Kind: OpJoinSession, Room: realtime.SessionRoom(s.ID)})
	p.deliver(OpBroadcast, realtime.SessionRoom(s.ID), EventChatEscalated, ref, notice, false, func(m chat.Message) any {
		return Notice{SessionID: s.ID, Text: m.Text}
	})
	p.deliver(OpBroadcast, realtime.StaffRoom, EventNewEscalation, ref, notice, false, func(m chat.Message) any {
		return NewEscalation{SessionID: s.ID, UserID: s.UserID, Online: true, Timestamp: m.Timestamp}
	})
	p.add(Op{Kind: OpPublish, Lifecycle: events.EscalationRequested})
	return p, nil
}

// PlanStaffReply delivers a staff reply. The first reply on a waiting session
// binds the replying staff member.
func PlanStaffReply(s chat.Session, staff realtime.Identity, text string) (Plan, error) {
	p := Plan{SessionID: s.ID}
	text = strings.TrimSpace(text)
	if text == "" {
		return p, errors.Wrap(chat.ErrInvalidInput, "text is required")
	}
	switch s.State {
	case chat.StateResolved:
		return p, errors.Wrap(chat.ErrConflict, "session is resolved")
	case chat.StateBot:
		return p, errors.Wrap(chat.ErrInvalidTransition, "session is not escalated")
	}

	reply := chat.NewStaffMessage(staff.StaffName, text)
	ref := p.appendMessage(reply)
	if s.State == chat.StateWaitingStaff {
		p.add(Op{Kind: OpTransition, To: chat.StateStaffConnected, StaffID: staff.StaffID})
		p.add(Op{Kind: OpAssign})
		p.add(Op{
			Kind:    OpBroadcast,
			Room:    realtime.StaffRoom,
			Event:   EventEscalationAssigned,
			Payload: EscalationAssigned{SessionID: s.ID, StaffID: staff.StaffID, StaffName: staff.StaffName},
		})
		p.add(Op{Kind: OpPublish, Lifecycle: events.EscalationAssigned, StaffID: staff.StaffID})
	}
	p.deliver(OpBroadcast, realtime.SessionRoom(s.ID), EventChatResponse, ref, reply, false, func(m chat.Message) any {
		return chatResponse(s.ID, m)
	})
	p.deliver(OpBroadcast, realtime.StaffRoom, EventStaffMessage, ref, reply, true, func(m chat.Message) any {
		return staffMessage(s.ID, staff.StaffID, m)
	})
	return p, nil
}

// PlanResolve closes an escalated session.
func PlanResolve(s chat.Session, staff realtime.Identity) (Plan, error) {
	p := Plan{SessionID: s.ID}
	if !s.State.Escalated() {
		return p, errors.Wrapf(chat.ErrInvalidTransition, "cannot resolve a %s session", s.State)
	}

	notice := chat.NewMessage(chat.SenderSystem, ResolvedNotice)
	// the notice must land before RESOLVED, which rejects further appends
	ref := p.appendMessage(notice)
	p.add(Op{Kind: OpTransition, To: chat.StateResolved, StaffID: staff.StaffID})
	p.add(Op{Kind: OpForget})
	p.deliver(OpBroadcast, realtime.SessionRoom(s.ID), EventEscalationResolved, ref, notice, false, func(m chat.Message) any {
		return Notice{SessionID: s.ID, Text: m.Text}
	})
	p.add(Op{
		Kind:    OpBroadcast,
		Room:    realtime.StaffRoom,
		Event:   EventEscalationClosed,
		Payload: EscalationClosed{SessionID: s.ID, StaffID: staff.StaffID},
	})
	p.add(Op{Kind: OpLeaveSession, Room: realtime.SessionRoom(s.ID)})
	p.add(Op{Kind: OpPublish, Lifecycle: events.EscalationResolved, StaffID: staff.StaffID})
	return p, nil
}
