package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

type targetPayload struct {
	Room     domain.RoomID `json:"room"`
	Identity domain.UserID `json:"identity"`
}

type channelEvent struct {
	Room    domain.RoomID    `json:"room"`
	Channel domain.ChannelID `json:"channel"`
}

// handleRemoveMember kicks a member. The room, the kicked devices included, hears
// about it before they are unsubscribed.
func (ctl *Controller) handleRemoveMember(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[targetPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := ctl.orch.RemoveMember(ctx, cl.identity, p.Room, p.Identity); err != nil {
		return nil, err
	}
	ctl.broadcast(p.Room, "", event{Type: "member.left", Data: memberEvent{Room: p.Room, Identity: p.Identity, Reason: "removed"}})
	ctl.hub.unsubscribeIdentity(p.Room, p.Identity)
	log.Info().Str("module", "signal").Str("room_id", string(p.Room)).Str("identity", string(p.Identity)).Str("by", string(cl.identity)).Msg("member removed")
	return nil, nil
}

func (ctl *Controller) handleSetModerator(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		targetPayload
		Moderator bool `json:"moderator"`
	}](raw)
	if err != nil {
		return nil, err
	}
	room, err := ctl.orch.SetModerator(ctx, cl.identity, p.Room, p.Identity, p.Moderator)
	if err != nil {
		return nil, err
	}
	update := memberEvent{Room: p.Room, Identity: p.Identity, Role: rooms.RoleOf(room, p.Identity)}
	ctl.broadcast(p.Room, "", event{Type: "member.role", Data: update})
	return update, nil
}

func (ctl *Controller) handleCreateChannel(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Room    domain.RoomID      `json:"room"`
		Name    string             `json:"name"`
		Kind    domain.ChannelKind `json:"kind"`
		Private *bool              `json:"private,omitempty"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ch, err := ctl.orch.CreateChannel(ctx, cl.identity, p.Room, p.Name, p.Kind, p.Private)
	if err != nil {
		return nil, err
	}
	ctl.broadcast(p.Room, cl.sid, event{Type: "channel.created", Data: ch})
	return ch, nil
}

func (ctl *Controller) handleDeleteChannel(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Channel domain.ChannelID `json:"channel"`
	}](raw)
	if err != nil {
		return nil, err
	}
	room, err := ctl.orch.DeleteChannel(ctx, cl.identity, p.Channel)
	if err != nil {
		return nil, err
	}
	ctl.broadcast(room, cl.sid, event{Type: "channel.deleted", Data: channelEvent{Room: room, Channel: p.Channel}})
	return nil, nil
}
