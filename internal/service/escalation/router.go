// Package escalation routes chat traffic between visitors, the automated
// assistant and staff, and owns the hand-off to a human.
package escalation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/events"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/pkg/keylock"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/assistant"
	"github.com/zhouzirui/medlink/backend/internal/store"
)

// Router handles every inbound chat event. Events touching one session are
// serialized; different sessions never wait on each other.
type Router struct {
	store     store.Store
	engine    *assistant.Engine
	hub       *realtime.Hub
	registry  *Registry
	publisher events.Publisher
	locks     *keylock.Locker
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithPublisher forwards lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

// WithRegistry shares an existing registry.
func WithRegistry(reg *Registry) Option {
	return func(r *Router) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter wires the router.
func NewRouter(st store.Store, engine *assistant.Engine, hub *realtime.Hub, opts ...Option) *Router {
	r := &Router{
		store:    st,
		engine:   engine,
		hub:      hub,
		registry: NewRegistry(),
		locks:    keylock.New(),
		logger:   log.With().Str("component", "escalation").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the open escalation index.
func (r *Router) Registry() *Registry { return r.registry }

// Rebuild reloads open escalations from the store, used on boot.
func (r *Router) Rebuild(ctx context.Context) error {
	sessions, err := r.store.ListByState(ctx, chat.StateWaitingStaff, chat.StateStaffConnected)
	if err != nil {
		return errors.Wrap(err, "list open escalations")
	}
	r.registry.Rebuild(sessions)
	r.logger.Info().Int("open", r.registry.Len()).Msg("escalation registry rebuilt")
	return nil
}

// AttachVisitor registers the visitor event handlers on c.
func (r *Router) AttachVisitor(c *realtime.Connection) {
	c.On(EventRestoreSession, r.handleRestore)
	c.On(EventChatMessage, r.requireSession(r.handleVisitorMessage))
	c.On(EventRequestHuman, r.requireSession(r.handleRequestHuman))
	c.OnClose(func() { r.Disconnect(c) })
}

// AttachStaff registers the staff event handlers on c.
func (r *Router) AttachStaff(c *realtime.Connection) {
	c.On(EventJoinStaff, r.handleJoinStaff)
	c.On(EventStaffResponse, r.handleStaffResponse)
	c.On(EventResolve, r.handleResolve)
	c.On(EventOpenSession, r.handleOpenSession)
}

func (r *Router) requireSession(next realtime.Handler) realtime.Handler {
	return func(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
		if c.SessionID() == "" {
			c.SendError("", errors.Wrap(chat.ErrInvalidInput, "restore_session must be sent first"))
			return
		}
		next(ctx, c, data)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.Wrap(chat.ErrInvalidInput, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(chat.ErrInvalidInput, "decode data: %v", err)
	}
	return nil
}

func (r *Router) handleRestore(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
	var req RestoreSessionRequest
	if err := decode(data, &req); err != nil {
		c.SendError(EventRestoreSession, err)
		return
	}
	if err := r.Restore(ctx, c, req); err != nil {
		c.SendError(EventRestoreSession, err)
	}
}

// Restore binds c to the visitor session, creating it on first contact, and
// answers with its full history.
func (r *Router) Restore(ctx context.Context, c *realtime.Connection, req RestoreSessionRequest) error {
	if err := chat.ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	userID := c.Identity().UserID
	if userID == "" {
		userID = req.UserID
	}

	unlock := r.locks.Lock(req.SessionID)
	defer unlock()

	session, created, err := r.store.CreateSession(ctx, req.SessionID, userID)
	if err != nil {
		return err
	}
	if created {
		r.logger.Info().Str("session_id", session.ID).Str("user_id", userID).Msg("session created")
	}

	if prev := c.SessionID(); prev != "" && prev != session.ID {
		r.detach(c, prev)
	}
	c.BindSession(session.ID)

	if err := r.execute(ctx, c, session, PlanRestore(session, r.engine)); err != nil {
		return err
	}

	if session.State != chat.StateResolved && r.registry.AttachVisitor(session.ID, c.ID()) && session.State.Escalated() {
		r.broadcastPresence(session, true)
	}
	return nil
}

func (r *Router) handleVisitorMessage(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
	var req ChatMessageRequest
	if err := decode(data, &req); err != nil {
		c.SendError(EventChatMessage, err)
		return
	}
	err := r.withSession(ctx, c.SessionID(), func(s chat.Session) error {
		p, err := PlanVisitorMessage(s, req.Text, r.engine)
		if err != nil {
			return err
		}
		return r.execute(ctx, c, s, p)
	})
	if err != nil {
		c.SendError(EventChatMessage, err)
	}
}

func (r *Router) handleRequestHuman(ctx context.Context, c *realtime.Connection, _ json.RawMessage) {
	err := r.withSession(ctx, c.SessionID(), func(s chat.Session) error {
		p, err := PlanRequestHuman(s)
		if err != nil {
			return err
		}
		if len(p.Ops) == 0 {
			r.logger.Debug().Str("session_id", s.ID).Msg("already escalated")
			return nil
		}
		return r.execute(ctx, c, s, p)
	})
	if err != nil {
		c.SendError(EventRequestHuman, err)
	}
}

func (r *Router) handleJoinStaff(_ context.Context, c *realtime.Connection, _ json.RawMessage) {
	r.JoinStaff(c)
}

// JoinStaff puts c in the staff room and sends the current open escalations.
func (r *Router) JoinStaff(c *realtime.Connection) {
	r.hub.Join(c, realtime.StaffRoom)
	snapshot := EscalationSnapshot{Escalations: r.registry.List()}
	if err := c.Send(EventEscalationSnapshot, snapshot); err != nil {
		r.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("snapshot not delivered")
	}
}

func (r *Router) handleStaffResponse(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
	var req StaffResponseRequest
	if err := decode(data, &req); err != nil {
		c.SendError(EventStaffResponse, err)
		return
	}
	staff := c.Identity()
	err := r.withSession(ctx, req.TargetSessionID, func(s chat.Session) error {
		p, err := PlanStaffReply(s, staff, req.Text)
		if err != nil {
			return err
		}
		return r.execute(ctx, c, s, p)
	})
	if err != nil {
		c.SendError(EventStaffResponse, err)
	}
}

func (r *Router) handleResolve(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
	var req TargetSessionRequest
	if err := decode(data, &req); err != nil {
		c.SendError(EventResolve, err)
		return
	}
	staff := c.Identity()
	err := r.withSession(ctx, req.TargetSessionID, func(s chat.Session) error {
		p, err := PlanResolve(s, staff)
		if err != nil {
			return err
		}
		return r.execute(ctx, c, s, p)
	})
	if err != nil {
		c.SendError(EventResolve, err)
	}
}

func (r *Router) handleOpenSession(ctx context.Context, c *realtime.Connection, data json.RawMessage) {
	var req TargetSessionRequest
	if err := decode(data, &req); err != nil {
		c.SendError(EventOpenSession, err)
		return
	}
	history, err := r.History(ctx, req.TargetSessionID)
	if err != nil {
		c.SendError(EventOpenSession, err)
		return
	}
	if err := c.Send(EventSessionHistory, history); err != nil {
		r.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("history not delivered")
	}
}

// History returns the full transcript of one session for staff.
func (r *Router) History(ctx context.Context, sessionID string) (SessionHistory, error) {
	if sessionID == "" {
		return SessionHistory{}, errors.Wrap(chat.ErrInvalidInput, "targetSessionId is required")
	}
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionHistory{}, err
	}
	msgs := s.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return SessionHistory{
		SessionID:       s.ID,
		UserID:          s.UserID,
		State:           s.State,
		AssignedStaffID: s.AssignedStaffID,
		Messages:        msgs,
	}, nil
}

// Disconnect drops c from the presence index; staff are told when an
// escalated visitor has no connection left.
func (r *Router) Disconnect(c *realtime.Connection) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}
	r.detach(c, sessionID)
}

func (r *Router) detach(c *realtime.Connection, sessionID string) {
	r.hub.Leave(c, realtime.SessionRoom(sessionID))
	if !r.registry.DetachVisitor(sessionID, c.ID()) {
		return
	}
	if e, ok := r.registry.Get(sessionID); ok {
		r.hub.Broadcast(realtime.StaffRoom, EventEscalationPresence, EscalationPresence{
			SessionID: e.SessionID,
			UserID:    e.UserID,
			State:     e.State,
			Online:    false,
		}, nil)
	}
}

func (r *Router) broadcastPresence(s chat.Session, online bool) {
	r.hub.Broadcast(realtime.StaffRoom, EventEscalationPresence, EscalationPresence{
		SessionID: s.ID,
		UserID:    s.UserID,
		State:     s.State,
		Online:    online,
	}, nil)
}

func (r *Router) withSession(ctx context.Context, sessionID string, fn func(chat.Session) error) error {
	if sessionID == "" {
		return errors.Wrap(chat.ErrInvalidInput, "session id is required")
	}
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return fn(s)
}

// execute applies p for origin. The caller holds the session lock. Delivery
// failures are logged and never undo stored state.
func (r *Router) execute(ctx context.Context, origin *realtime.Connection, s chat.Session, p Plan) error {
	var appended []chat.Message
	current := s

	for _, op := range p.Ops {
		switch op.Kind {
		case OpAppend:
			updated, err := r.store.AppendMessage(ctx, s.ID, op.Message)
			if err != nil {
				return errors.WithMessage(err, "append message")
			}
			current = updated
			if last, ok := updated.LastMessage(); ok {
				appended = append(appended, last)
			}

		case OpTransition:
			updated, err := r.store.SetEscalationState(ctx, s.ID, op.To, op.StaffID)
			if err != nil {
				// 已写入的消息保留在记录里, 后续投递全部跳过
				if len(appended) > 0 {
					r.logger.Warn().Err(err).
						Str("session_id", s.ID).
						Str("to", string(op.To)).
						Str("message_id", appended[len(appended)-1].ID).
						Msg("transition failed after append; message kept undelivered")
				}
				return errors.WithMessage(err, "set escalation state")
			}
			current = updated
			r.logger.Info().
				Str("session_id", s.ID).
				Str("from", string(s.State)).
				Str("to", string(updated.State)).
				Str("staff_id", updated.AssignedStaffID).
				Msg("escalation state changed")

		case OpRegister:
			r.registry.Add(current, r.now())
		case OpAssign:
			r.registry.Assign(current)
		case OpForget:
			r.registry.Remove(s.ID)

		case OpJoinSession:
			r.hub.Join(origin, op.Room)
		case OpLeaveSession:
			for _, member := range r.hub.Members(op.Room) {
				r.hub.Leave(member, op.Room)
			}

		case OpReply:
			if err := origin.Send(op.Event, payloadFor(op, appended)); err != nil {
				r.logger.Debug().Err(err).Str("event", op.Event).Str("session_id", s.ID).Msg("reply not delivered")
			}
		case OpBroadcast:
			var except *realtime.Connection
			if op.ExceptOrigin {
				except = origin
			}
			r.hub.Broadcast(op.Room, op.Event, payloadFor(op, appended), except)

		case OpPublish:
			r.publish(ctx, current, op)
		}
	}
	return nil
}

func payloadFor(op Op, appended []chat.Message) any {
	if op.Stamp == nil || op.Ref < 1 || op.Ref > len(appended) {
		return op.Payload
	}
	return op.Stamp(appended[op.Ref-1])
}

func (r *Router) publish(ctx context.Context, s chat.Session, op Op) {
	if r.publisher == nil {
		return
	}
	staffID := op.StaffID
	if staffID == "" {
		staffID = s.AssignedStaffID
	}
	ev := events.Event{
		ID:        uuid.NewString(),
		Type:      op.Lifecycle,
		SessionID: s.ID,
		UserID:    s.UserID,
		StaffID:   staffID,
		At:        r.now(),
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("session_id", s.ID).Msg("publish lifecycle event failed")
	}
}
