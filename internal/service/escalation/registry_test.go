package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
)

func TestRegistryListOrderAndPresence(t *testing.T) {
	reg := NewRegistry()
	base := time.Unix(1700000000, 0)

	reg.Add(chat.Session{ID: "b", State: chat.StateWaitingStaff}, base.Add(time.Minute))
	reg.Add(chat.Session{ID: "a", State: chat.StateWaitingStaff}, base)
	reg.Add(chat.Session{ID: "c", State: chat.StateWaitingStaff}, base.Add(time.Minute))

	assert.True(t, reg.AttachVisitor("b", "conn-1"))
	assert.False(t, reg.AttachVisitor("b", "conn-2"))

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].SessionID, list[1].SessionID, list[2].SessionID})
	assert.True(t, list[1].Online)
	assert.False(t, list[0].Online)

	assert.False(t, reg.DetachVisitor("b", "conn-1"))
	assert.False(t, reg.DetachVisitor("b", "unknown"))
	assert.True(t, reg.DetachVisitor("b", "conn-2"))
	assert.False(t, reg.Online("b"))

	reg.Assign(chat.Session{ID: "a", State: chat.StateStaffConnected, AssignedStaffID: "s-1"})
	e, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "s-1", e.AssignedStaffID)
	assert.Equal(t, base, e.EscalatedAt)

	reg.Remove("a")
	_, ok = reg.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryRebuildSkipsBotSessions(t *testing.T) {
	reg := NewRegistry()
	reg.Add(chat.Session{ID: "stale", State: chat.StateWaitingStaff}, time.Now())

	reg.Rebuild([]chat.Session{
		{ID: "w", State: chat.StateWaitingStaff},
		{ID: "bot", State: chat.StateBot},
		{ID: "r", State: chat.StateResolved},
	})

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "w", list[0].SessionID)
}
