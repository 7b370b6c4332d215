package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyTransitionTable(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name    string
		from    State
		to      State
		staffID string
		ok      bool
	}{
		{"bot reply", StateBot, StateBot, "", true},
		{"escalate", StateBot, StateWaitingStaff, "", true},
		{"first staff reply", StateWaitingStaff, StateStaffConnected, "nurse-1", true},
		{"first reply without staff", StateWaitingStaff, StateStaffConnected, "", false},
		{"later staff reply", StateStaffConnected, StateStaffConnected, "nurse-2", true},
		{"resolve waiting", StateWaitingStaff, StateResolved, "", true},
		{"resolve connected", StateStaffConnected, StateResolved, "", true},
		{"resolve bot", StateBot, StateResolved, "", false},
		{"bot to connected", StateBot, StateStaffConnected, "nurse-1", false},
		{"re-escalate", StateWaitingStaff, StateWaitingStaff, "", false},
		{"back to bot", StateStaffConnected, StateBot, "", false},
		{"leave resolved", StateResolved, StateBot, "", false},
		{"double resolve", StateResolved, StateResolved, "", false},
		{"unknown", StateBot, State("PAUSED"), "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := Session{ID: "s1", State: tc.from}
			if tc.from == StateStaffConnected {
				before.AssignedStaffID = "nurse-1"
			}
			after, err := ApplyTransition(before, tc.to, tc.staffID, now)
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidTransition)
				require.Equal(t, before, after)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.to, after.State)
			if after.State == StateStaffConnected {
				require.Equal(t, "nurse-1", after.AssignedStaffID)
			}
		})
	}
}

func TestPrepareAppendClampsTimestamp(t *testing.T) {
	later := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := Session{ID: "s1", State: StateBot, Messages: []Message{{Seq: 4, Timestamp: later}}}

	msg, err := PrepareAppend(s, Message{Sender: SenderVisitor, Text: "hi", Timestamp: later.Add(-time.Minute)}, later)
	require.NoError(t, err)
	require.EqualValues(t, 5, msg.Seq)
	require.Equal(t, later, msg.Timestamp)
}

func TestPrepareAppendRejectsResolved(t *testing.T) {
	_, err := PrepareAppend(Session{State: StateResolved}, NewMessage(SenderVisitor, "hello"), time.Now())
	require.ErrorIs(t, err, ErrConflict)
}

func TestPrepareAppendDropsStaffNameForNonStaff(t *testing.T) {
	msg, err := PrepareAppend(Session{State: StateBot}, Message{Sender: SenderBot, Text: "x", StaffName: "Dr. Who"}, time.Now())
	require.NoError(t, err)
	require.Empty(t, msg.StaffName)
}

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"s1", "5f0c3a4e-2b7d-4c1e-9a53-0d6f7e8a9b10", "widget_42.A", strings.Repeat("x", MaxSessionIDLen)} {
		require.NoError(t, ValidateSessionID(id), id)
	}
	for _, id := range []string{"", "   ", "has space", "tab\tid", "nul\x00", strings.Repeat("x", MaxSessionIDLen+1)} {
		require.ErrorIs(t, ValidateSessionID(id), ErrInvalidInput, "%q", id)
	}
}
