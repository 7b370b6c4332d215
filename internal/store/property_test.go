package store_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/store"
)

var allowed = map[chat.State][]chat.State{
	chat.StateBot:            {chat.StateBot, chat.StateWaitingStaff},
	chat.StateWaitingStaff:   {chat.StateStaffConnected, chat.StateResolved},
	chat.StateStaffConnected: {chat.StateStaffConnected, chat.StateResolved},
}

func isAllowed(from, to chat.State) bool {
	for _, candidate := range allowed[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Random operation sequences must only move along the transition table and keep
// the transcript contiguous; rejected operations must leave the session untouched.
func TestStoreStateMachineProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	states := []chat.State{chat.StateBot, chat.StateWaitingStaff, chat.StateStaffConnected, chat.StateResolved}

	properties.Property("transitions follow the table", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			s := store.NewMemoryStore()
			if _, _, err := s.CreateSession(ctx, "p", ""); err != nil {
				return false
			}

			for _, op := range ops {
				before, err := s.GetSession(ctx, "p")
				if err != nil {
					return false
				}

				if op == len(states) {
					_, err := s.AppendMessage(ctx, "p", chat.NewMessage(chat.SenderVisitor, "x"))
					after, _ := s.GetSession(ctx, "p")
					if before.State == chat.StateResolved {
						if err == nil || len(after.Messages) != len(before.Messages) {
							return false
						}
						continue
					}
					if err != nil || len(after.Messages) != len(before.Messages)+1 {
						return false
					}
					if after.Messages[len(after.Messages)-1].Seq != int64(len(after.Messages)) {
						return false
					}
					continue
				}

				to := states[op]
				after, err := s.SetEscalationState(ctx, "p", to, "staff-1")
				if isAllowed(before.State, to) {
					if err != nil || after.State != to {
						return false
					}
					if after.State == chat.StateStaffConnected && after.AssignedStaffID == "" {
						return false
					}
					continue
				}
				current, _ := s.GetSession(ctx, "p")
				if err == nil || current.State != before.State || current.AssignedStaffID != before.AssignedStaffID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(states))),
	))

	properties.TestingRun(t)
}
