package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderBot     Sender = "bot"
	SenderStaff   Sender = "staff"
	SenderSystem  Sender = "system"
)

// Message is one entry of a session transcript. Text is opaque user data.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	StaffName string    `json:"staffName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds an unsaved message; the store assigns ID and Seq.
func NewMessage(sender Sender, text string) Message {
	return Message{Sender: sender, Text: text, Timestamp: time.Now().UTC()}
}

// NewStaffMessage builds an unsaved staff-authored message.
func NewStaffMessage(staffName, text string) Message {
	msg := NewMessage(SenderStaff, text)
	msg.StaffName = staffName
	return msg
}
