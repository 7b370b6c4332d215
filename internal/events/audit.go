package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

// RunAuditLog writes every lifecycle event to the log until ctx ends.
func RunAuditLog(ctx context.Context, bus *Bus) error {
	if bus == nil {
		return nil
	}
	stream, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	logger := log.With().Str("component", "audit").Str("topic", bus.Topic()).Logger()
	for ev := range stream {
		logger.Info().
			Str("event", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Str("user_id", ev.UserID).
			Str("staff_id", ev.StaffID).
			Time("at", ev.At).
			Msg("escalation lifecycle")
	}
	return nil
}
