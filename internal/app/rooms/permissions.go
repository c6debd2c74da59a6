package rooms

import "github.com/dkeye/Hearth/internal/domain"

// Capability is the set of grants an identity holds on a room.
type Capability uint8

const (
	CapOwner Capability = 1 << iota
	CapModerator
	CapMember
	CapPublic
)

func (c Capability) Has(x Capability) bool { return c&x != 0 }

// Capabilities computes the grants of id on r. CapPublic is set for everyone when
// the room is public.
func Capabilities(r *domain.Room, id domain.UserID) Capability {
	var c Capability
	if r.Owner == id {
		c |= CapOwner
	}
	if r.IsModerator(id) {
		c |= CapModerator
	}
	if r.IsMember(id) {
		c |= CapMember
	}
	if !r.Private {
		c |= CapPublic
	}
	return c
}

func CanJoin(r *domain.Room, id domain.UserID) bool {
	return Capabilities(r, id).Has(CapOwner | CapModerator | CapPublic | CapMember)
}

func CanEdit(r *domain.Room, id domain.UserID) bool {
	return Capabilities(r, id).Has(CapOwner | CapModerator)
}

func CanDelete(r *domain.Room, id domain.UserID) bool {
	return Capabilities(r, id).Has(CapOwner)
}

// CanAccessChannel: a private channel needs a grant on the room, a public one
// follows the room's join rule.
func CanAccessChannel(r *domain.Room, ch *domain.Channel, id domain.UserID) bool {
	if ch.IsPrivate(r) {
		return Capabilities(r, id).Has(CapOwner | CapModerator | CapMember)
	}
	return CanJoin(r, id)
}

func RoleOf(r *domain.Room, id domain.UserID) domain.Role {
	c := Capabilities(r, id)
	switch {
	case c.Has(CapOwner):
		return domain.RoleOwner
	case c.Has(CapModerator):
		return domain.RoleModerator
	case c.Has(CapMember):
		return domain.RoleMember
	}
	return domain.RoleNone
}
