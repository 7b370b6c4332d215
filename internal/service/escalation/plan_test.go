package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medlink/backend/internal/events"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/assistant"
)

func session(state chat.State, msgs ...chat.Message) chat.Session {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := range msgs {
		msgs[i].Seq = int64(i + 1)
		msgs[i].Timestamp = now.Add(time.Duration(i) * time.Second)
	}
	return chat.Session{
		ID:             "5f0c3a4e-8d71-4a52-9c34-0f2b9a7f7e11",
		UserID:         "u-1",
		State:          state,
		Messages:       msgs,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestPlanRestoreNewSessionGreets(t *testing.T) {
	engine := assistant.New(assistant.Config{})
	p := PlanRestore(session(chat.StateBot), engine)

	require.Equal(t, []OpKind{OpAppend, OpReply, OpReply, OpJoinSession}, p.Kinds())
	assert.Equal(t, chat.SenderBot, p.Ops[0].Message.Sender)

	restored := p.Ops[1].Payload.(SessionRestored)
	assert.Empty(t, restored.Messages)
	assert.NotNil(t, restored.Messages)
	assert.False(t, restored.IsEscalated)
	assert.Equal(t, EventChatResponse, p.Ops[2].Event)
	assert.Equal(t, 1, p.Ops[2].Ref)
}

func TestPlanRestoreExistingSession(t *testing.T) {
	engine := assistant.New(assistant.Config{})
	s := session(chat.StateWaitingStaff,
		chat.NewMessage(chat.SenderBot, "hi"),
		chat.NewMessage(chat.SenderVisitor, "help"),
	)
	p := PlanRestore(s, engine)

	require.Equal(t, []OpKind{OpReply, OpJoinSession}, p.Kinds())
	restored := p.Ops[0].Payload.(SessionRestored)
	assert.Len(t, restored.Messages, 2)
	assert.True(t, restored.IsEscalated)
}

func TestPlanRestoreResolvedSession(t *testing.T) {
	engine := assistant.New(assistant.Config{})
	p := PlanRestore(session(chat.StateResolved), engine)

	require.Equal(t, []OpKind{OpReply}, p.Kinds())
	assert.True(t, p.Ops[0].Payload.(SessionRestored).Resolved)
}

func TestPlanVisitorMessage(t *testing.T) {
	engine := assistant.New(assistant.Config{})

	t.Run("bot answers", func(t *testing.T) {
		p, err := PlanVisitorMessage(session(chat.StateBot), "  what are your opening hours? ", engine)
		require.NoError(t, err)
		require.Equal(t, []OpKind{OpAppend, OpAppend, OpBroadcast, OpBroadcast}, p.Kinds())
		assert.Equal(t, "what are your opening hours?", p.Ops[0].Message.Text)
		assert.Equal(t, chat.SenderBot, p.Ops[1].Message.Sender)
		assert.True(t, p.Ops[2].ExceptOrigin)
		assert.False(t, p.Ops[3].ExceptOrigin)
		assert.Equal(t, 2, p.Ops[3].Ref)
	})

	for _, state := range []chat.State{chat.StateWaitingStaff, chat.StateStaffConnected} {
		t.Run("relayed when "+string(state), func(t *testing.T) {
			p, err := PlanVisitorMessage(session(state), "still there?", engine)
			require.NoError(t, err)
			require.Equal(t, []OpKind{OpAppend, OpBroadcast, OpBroadcast}, p.Kinds())
			assert.Equal(t, realtime.StaffRoom, p.Ops[2].Room)
			assert.Equal(t, EventEscalatedMessage, p.Ops[2].Event)
		})
	}

	_, err := PlanVisitorMessage(session(chat.StateBot), "   ", engine)
	assert.ErrorIs(t, err, chat.ErrInvalidInput)

	_, err = PlanVisitorMessage(session(chat.StateResolved), "hello", engine)
	assert.ErrorIs(t, err, chat.ErrConflict)
}

func TestPlanRequestHuman(t *testing.T) {
	p, err := PlanRequestHuman(session(chat.StateBot))
	require.NoError(t, err)
	require.Equal(t, []OpKind{OpTransition, OpAppend, OpRegister, OpJoinSession, OpBroadcast, OpBroadcast, OpPublish}, p.Kinds())
	assert.Equal(t, chat.StateWaitingStaff, p.Ops[0].To)
	assert.Equal(t, EventNewEscalation, p.Ops[5].Event)
	assert.Equal(t, events.EscalationRequested, p.Ops[6].Lifecycle)

	for _, state := range []chat.State{chat.StateWaitingStaff, chat.StateStaffConnected} {
		p, err := PlanRequestHuman(session(state))
		require.NoError(t, err)
		assert.Empty(t, p.Ops, state)
	}

	_, err = PlanRequestHuman(session(chat.StateResolved))
	assert.ErrorIs(t, err, chat.ErrInvalidTransition)
}

func TestPlanStaffReply(t *testing.T) {
	alice := realtime.Staff("s-1", "Alice")

	p, err := PlanStaffReply(session(chat.StateWaitingStaff), alice, "Hello, I'm Alice")
	require.NoError(t, err)
	require.Equal(t, []OpKind{OpAppend, OpTransition, OpAssign, OpBroadcast, OpPublish, OpBroadcast, OpBroadcast}, p.Kinds())
	assert.Equal(t, "Alice", p.Ops[0].Message.StaffName)
	assert.Equal(t, "s-1", p.Ops[1].StaffID)
	assert.Equal(t, EventEscalationAssigned, p.Ops[3].Event)
	assert.True(t, p.Ops[6].ExceptOrigin)

	p, err = PlanStaffReply(session(chat.StateStaffConnected), alice, "anything else?")
	require.NoError(t, err)
	assert.Equal(t, []OpKind{OpAppend, OpBroadcast, OpBroadcast}, p.Kinds())

	_, err = PlanStaffReply(session(chat.StateBot), alice, "hi")
	assert.ErrorIs(t, err, chat.ErrInvalidTransition)
	_, err = PlanStaffReply(session(chat.StateResolved), alice, "hi")
	assert.ErrorIs(t, err, chat.ErrConflict)
	_, err = PlanStaffReply(session(chat.StateWaitingStaff), alice, "")
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestPlanResolve(t *testing.T) {
	alice := realtime.Staff("s-1", "Alice")

	p, err := PlanResolve(session(chat.StateStaffConnected), alice)
	require.NoError(t, err)
	require.Equal(t, []OpKind{OpAppend, OpTransition, OpForget, OpBroadcast, OpBroadcast, OpLeaveSession, OpPublish}, p.Kinds())
	assert.Equal(t, chat.SenderSystem, p.Ops[0].Message.Sender)
	assert.Equal(t, chat.StateResolved, p.Ops[1].To)

	_, err = PlanResolve(session(chat.StateWaitingStaff), alice)
	assert.NoError(t, err)

	for _, state := range []chat.State{chat.StateBot, chat.StateResolved} {
		_, err := PlanResolve(session(state), alice)
		assert.ErrorIs(t, err, chat.ErrInvalidTransition, state)
	}
}

func TestPayloadForUsesStoredMessage(t *testing.T) {
	planned := chat.NewMessage(chat.SenderVisitor, "hi")
	stored := planned
	stored.Seq = 7
	stored.Timestamp = time.Unix(100, 0)

	op := Op{Payload: "planned", Ref: 1, Stamp: func(m chat.Message) any { return m.Seq }}
	assert.Equal(t, int64(7), payloadFor(op, []chat.Message{stored}))
	assert.Equal(t, "planned", payloadFor(op, nil))
}
