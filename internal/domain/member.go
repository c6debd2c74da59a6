package domain

// Role is the relation of an identity to a room.
type Role string

const (
	RoleNone      Role = ""
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

// Member is a read-only view of a room participant (no transport fields).
type Member struct {
	ID   UserID `json:"id"`
	Role Role   `json:"role"`
}
