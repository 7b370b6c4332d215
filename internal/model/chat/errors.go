package chat

import "errors"

var (
	ErrNotFound           = errors.New("session not found")
	ErrConflict           = errors.New("session conflict")
	ErrInvalidTransition  = errors.New("invalid escalation transition")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrInvalidInput       = errors.New("invalid input")
)

// ErrorCode maps an error onto the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	default:
		return "internal"
	}
}
