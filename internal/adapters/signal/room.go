package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	defaultInviteTTL = 24 * time.Hour
	maxInviteTTL     = 30 * 24 * time.Hour
)

type memberEvent struct {
	Room     domain.RoomID `json:"room"`
	Identity domain.UserID `json:"identity"`
	Role     domain.Role   `json:"role,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

type roomPayload struct {
	Room domain.RoomID `json:"room"`
}

func (ctl *Controller) handleCreateRoom(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	attrs, err := decode[domain.RoomAttrs](raw)
	if err != nil {
		return nil, err
	}
	state, err := ctl.orch.CreateRoom(ctx, cl.identity, attrs)
	if err != nil {
		return nil, err
	}
	ctl.hub.subscribe(state.Room.ID, cl)
	return state, nil
}

func (ctl *Controller) handleJoin(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	state, err := ctl.orch.JoinRoom(ctx, cl.identity, p.Room)
	if err != nil {
		return nil, err
	}
	ctl.entered(cl, state)
	return state, nil
}

func (ctl *Controller) handleInviteJoin(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Code string `json:"code"`
	}](raw)
	if err != nil {
		return nil, err
	}
	state, err := ctl.orch.JoinWithInvite(ctx, cl.identity, p.Code)
	if err != nil {
		return nil, err
	}
	ctl.entered(cl, state)
	return state, nil
}

// entered subscribes the client to the room topic and tells the others.
func (ctl *Controller) entered(cl *client, state orch.RoomState) {
	room := state.Room.ID
	announce := !ctl.hub.identityIn(room, cl.identity)
	ctl.hub.subscribe(room, cl)
	if !announce {
		return
	}
	role := domain.RoleMember
	for _, m := range state.Members {
		if m.ID == cl.identity {
			role = m.Role
		}
	}
	ctl.broadcast(room, cl.sid, event{Type: "member.joined", Data: memberEvent{Room: room, Identity: cl.identity, Role: role}})
	log.Info().Str("module", "signal").Str("room_id", string(room)).Str("identity", string(cl.identity)).Msg("join")
}

func (ctl *Controller) handleLeave(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := ctl.orch.LeaveRoom(ctx, cl.identity, p.Room); err != nil {
		return nil, err
	}
	ctl.hub.unsubscribeIdentity(p.Room, cl.identity)
	ctl.broadcast(p.Room, "", event{Type: "member.left", Data: memberEvent{Room: p.Room, Identity: cl.identity, Reason: "leave"}})
	log.Info().Str("module", "signal").Str("room_id", string(p.Room)).Str("identity", string(cl.identity)).Msg("leave")
	return nil, nil
}

func (ctl *Controller) handleDeleteRoom(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[roomPayload](raw)
	if err != nil {
		return nil, err
	}
	if _, err := ctl.orch.DeleteRoom(ctx, cl.identity, p.Room); err != nil {
		return nil, err
	}
	ctl.RoomDeleted(p.Room)
	return nil, nil
}

// RoomDeleted tells everyone still subscribed to a deleted room and drops the topic.
func (ctl *Controller) RoomDeleted(room domain.RoomID) {
	b, err := json.Marshal(event{Type: "room.deleted", Data: roomPayload{Room: room}})
	if err != nil {
		return
	}
	for _, cl := range ctl.hub.closeTopic(room) {
		ctl.sendFrame(cl, b)
	}
	log.Info().Str("module", "signal").Str("room_id", string(room)).Msg("room deleted")
}

func (ctl *Controller) handleCreateInvite(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Room       domain.RoomID `json:"room"`
		TTLSeconds int           `json:"ttl_seconds"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(p.TTLSeconds) * time.Second
	switch {
	case p.TTLSeconds == 0:
		ttl = defaultInviteTTL
	case ttl < 0 || ttl > maxInviteTTL:
		return nil, fmt.Errorf("%w: invite ttl out of range", domain.ErrValidation)
	}
	return ctl.orch.CreateInvite(cl.identity, p.Room, ttl)
}
