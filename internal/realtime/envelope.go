package realtime

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope clients send.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope written to clients.
type Outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is carried by "error" events. Errors never close the connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// EventError is the outbound type used for non-fatal errors.
const EventError = "error"

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Outbound{Type: event, Data: payload, Timestamp: time.Now().UnixMilli()})
}
