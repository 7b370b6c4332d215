package realtime

// Role distinguishes the two kinds of connected party.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleStaff   Role = "staff"
)

// Identity describes who is behind a connection. UserID is optional for visitors.
type Identity struct {
	Role      Role   `json:"role"`
	UserID    string `json:"userId,omitempty"`
	StaffID   string `json:"staffId,omitempty"`
	StaffName string `json:"staffName,omitempty"`
}

// Visitor returns a visitor identity; userID may be empty.
func Visitor(userID string) Identity {
	return Identity{Role: RoleVisitor, UserID: userID}
}

// Staff returns a staff identity.
func Staff(id, name string) Identity {
	if name == "" {
		name = id
	}
	return Identity{Role: RoleStaff, StaffID: id, StaffName: name}
}

// StaffRoom is the broadcast group every staff connection joins.
const StaffRoom = "staff"

// SessionRoom names the broadcast group of a visitor session.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}
