package rooms

import (
	"testing"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPermissionMatrix(t *testing.T) {
	room := &domain.Room{
		Owner:      "owner",
		Moderators: []domain.UserID{"mod"},
		Members:    map[domain.UserID]bool{"mod": true, "member": true},
	}

	for _, private := range []bool{false, true} {
		room.Private = private
		cases := []struct {
			id                    domain.UserID
			join, edit, canDelete bool
			role                  domain.Role
		}{
			{"owner", true, true, true, domain.RoleOwner},
			{"mod", true, true, false, domain.RoleModerator},
			{"member", true, false, false, domain.RoleMember},
			{"stranger", !private, false, false, domain.RoleNone},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.join, CanJoin(room, tc.id), "join %s private=%v", tc.id, private)
			assert.Equal(t, tc.edit, CanEdit(room, tc.id), "edit %s", tc.id)
			assert.Equal(t, tc.canDelete, CanDelete(room, tc.id), "delete %s", tc.id)
			assert.Equal(t, tc.role, RoleOf(room, tc.id))
		}
	}
}

func TestChannelPrivacyOverride(t *testing.T) {
	room := &domain.Room{Owner: "owner", Members: map[domain.UserID]bool{"member": true}}
	yes, no := true, false

	inherit := &domain.Channel{}
	closed := &domain.Channel{Private: &yes}
	assert.True(t, CanAccessChannel(room, inherit, "stranger"))
	assert.False(t, CanAccessChannel(room, closed, "stranger"))
	assert.True(t, CanAccessChannel(room, closed, "member"))

	room.Private = true
	open := &domain.Channel{Private: &no}
	assert.False(t, CanAccessChannel(room, inherit, "stranger"))
	// an open channel in a private room still follows the room join rule
	assert.False(t, CanAccessChannel(room, open, "stranger"))
	assert.True(t, CanAccessChannel(room, open, "owner"))
}
