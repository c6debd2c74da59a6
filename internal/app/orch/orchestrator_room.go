package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomState is what a participant receives after joining a room.
type RoomState struct {
	Room      *domain.Room     `json:"room"`
	Channels  []domain.Channel `json:"channels"`
	Members   []domain.Member  `json:"members"`
	Producers []media.Producer `json:"producers"`
}

// VoiceState describes the participant's media transport in a room.
type VoiceState struct {
	Transport media.TransportParams `json:"transport"`
	Consumers []media.Consumer      `json:"consumers"`
}

func (o *Orchestrator) state(room *domain.Room) (RoomState, error) {
	channels, err := o.Rooms.Channels(room.ID)
	if err != nil {
		return RoomState{}, err
	}
	members, err := o.Rooms.Members(room.ID)
	if err != nil {
		return RoomState{}, err
	}
	return RoomState{
		Room:      room,
		Channels:  channels,
		Members:   members,
		Producers: o.Media.Producers(room.ID),
	}, nil
}

func (o *Orchestrator) CreateRoom(ctx context.Context, owner domain.UserID, attrs domain.RoomAttrs) (RoomState, error) {
	room, _, err := o.Rooms.CreateRoom(ctx, owner, attrs)
	if err != nil {
		return RoomState{}, err
	}
	if room, err = o.Rooms.Join(ctx, room.ID, owner); err != nil {
		return RoomState{}, err
	}
	return o.state(room)
}

func (o *Orchestrator) JoinRoom(ctx context.Context, identity domain.UserID, roomID domain.RoomID) (RoomState, error) {
	room, err := o.Rooms.Join(ctx, roomID, identity)
	if err != nil {
		return RoomState{}, err
	}
	return o.state(room)
}

func (o *Orchestrator) JoinWithInvite(ctx context.Context, identity domain.UserID, code string) (RoomState, error) {
	room, err := o.Rooms.JoinWithInvite(ctx, code, identity)
	if err != nil {
		return RoomState{}, err
	}
	return o.state(room)
}

func (o *Orchestrator) CreateInvite(identity domain.UserID, roomID domain.RoomID, ttl time.Duration) (domain.Invite, error) {
	return o.Rooms.CreateInvite(roomID, identity, ttl)
}

// RoomInfo returns the room's state. Private rooms are invisible to non-members.
func (o *Orchestrator) RoomInfo(identity domain.UserID, roomID domain.RoomID) (RoomState, error) {
	room, err := o.Rooms.Get(roomID)
	if err != nil {
		return RoomState{}, err
	}
	if room.Private && !room.IsMember(identity) && room.Owner != identity {
		return RoomState{}, domain.ErrRoomNotFound
	}
	return o.state(room)
}

// DeleteRoom removes the room, then tears down every transport left on its router.
// It returns the members the room had.
func (o *Orchestrator) DeleteRoom(ctx context.Context, identity domain.UserID, roomID domain.RoomID) ([]domain.UserID, error) {
	defer o.lockRoom(roomID)()
	room, err := o.Rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	if err := o.Rooms.DeleteRoom(ctx, roomID, identity); err != nil {
		return nil, err
	}
	members := room.MemberIDs()
	for _, id := range members {
		o.releaseVoiceLocked(roomID, id)
	}
	o.releaseIfIdle(roomID)
	return members, nil
}

// LeaveRoom drops the participant's media in the room, then its membership. Every
// device of the identity loses voice with it.
func (o *Orchestrator) LeaveRoom(ctx context.Context, identity domain.UserID, roomID domain.RoomID) error {
	defer o.lockRoom(roomID)()
	if _, err := o.Rooms.Get(roomID); err != nil {
		return err
	}
	o.releaseVoiceLocked(roomID, identity)
	_, err := o.Rooms.Leave(ctx, roomID, identity)
	return err
}

// RemoveMember kicks target out of the room. Owners may remove anyone but
// themselves; moderators only plain members.
func (o *Orchestrator) RemoveMember(ctx context.Context, actor domain.UserID, roomID domain.RoomID, target domain.UserID) error {
	defer o.lockRoom(roomID)()
	room, err := o.Rooms.Get(roomID)
	if err != nil {
		return err
	}
	switch {
	case !rooms.CanEdit(room, actor):
		return fmt.Errorf("%w: only the owner or a moderator can remove members", domain.ErrForbidden)
	case room.IsModerator(target) && room.Owner != actor:
		return fmt.Errorf("%w: only the owner can remove a moderator", domain.ErrForbidden)
	case !room.IsMember(target):
		return fmt.Errorf("%w: %s is not a member", domain.ErrNotFound, target)
	}
	if _, err := o.Rooms.RemoveMember(ctx, roomID, target); err != nil {
		return err
	}
	o.releaseVoiceLocked(roomID, target)
	log.Info().Str("module", "orch").Str("room_id", string(roomID)).Str("actor", string(actor)).Str("identity", string(target)).Msg("member removed")
	return nil
}

// SetModerator grants or revokes the moderator role. Only the owner may do it.
func (o *Orchestrator) SetModerator(ctx context.Context, actor domain.UserID, roomID domain.RoomID, target domain.UserID, on bool) (*domain.Room, error) {
	room, err := o.Rooms.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !rooms.CanDelete(room, actor) {
		return nil, fmt.Errorf("%w: only the owner can change moderators", domain.ErrForbidden)
	}
	if on {
		return o.Rooms.AddModerator(ctx, roomID, target)
	}
	return o.Rooms.RemoveModerator(ctx, roomID, target)
}

func (o *Orchestrator) CreateChannel(ctx context.Context, actor domain.UserID, roomID domain.RoomID, name string, kind domain.ChannelKind, private *bool) (domain.Channel, error) {
	return o.Rooms.CreateChannel(ctx, roomID, actor, name, kind, private)
}

// DeleteChannel removes a channel. Voice in the room is carried by the room's
// default voice channel, so transports are left alone.
func (o *Orchestrator) DeleteChannel(ctx context.Context, actor domain.UserID, channelID domain.ChannelID) (domain.RoomID, error) {
	ch, _, err := o.Rooms.Channel(channelID)
	if err != nil {
		return "", err
	}
	if err := o.Rooms.DeleteChannel(ctx, channelID, actor); err != nil {
		return "", err
	}
	return ch.RoomID, nil
}

// voiceChannel reads the channel and checks identity may carry media in it.
func (o *Orchestrator) voiceChannel(identity domain.UserID, channelID domain.ChannelID) (*domain.Room, error) {
	ch, room, err := o.Rooms.Channel(channelID)
	if err != nil {
		return nil, err
	}
	if ch.Kind != domain.ChannelVoice {
		return nil, fmt.Errorf("%w: %s is not a voice channel", domain.ErrValidation, ch.Name)
	}
	if !room.IsMember(identity) {
		return nil, fmt.Errorf("%w: join the room first", domain.ErrForbidden)
	}
	if !o.canAccess(room, &ch, identity) {
		return nil, fmt.Errorf("%w: channel is private", domain.ErrForbidden)
	}
	return room, nil
}

// roomOfChannel resolves the room a channel belongs to.
func (o *Orchestrator) roomOfChannel(channelID domain.ChannelID) (domain.RoomID, error) {
	ch, _, err := o.Rooms.Channel(channelID)
	if err != nil {
		return "", err
	}
	return ch.RoomID, nil
}

// JoinVoice allocates the participant's transport on the room's router. The
// participant must already be an active member of the room. Devices of one
// identity share the transport; sid is recorded as one of its users.
func (o *Orchestrator) JoinVoice(sid domain.SessionID, identity domain.UserID, channelID domain.ChannelID, direction domain.Direction) (VoiceState, error) {
	roomID, err := o.roomOfChannel(channelID)
	if err != nil {
		return VoiceState{}, err
	}
	defer o.lockRoom(roomID)()
	room, err := o.voiceChannel(identity, channelID)
	if err != nil {
		return VoiceState{}, err
	}
	return o.joinVoiceLocked(sid, identity, room.ID, direction)
}

func (o *Orchestrator) joinVoiceLocked(sid domain.SessionID, identity domain.UserID, roomID domain.RoomID, direction domain.Direction) (VoiceState, error) {
	if direction == "" {
		direction = domain.DirectionSendRecv
	}
	var (
		params    media.TransportParams
		consumers []media.Consumer
	)
	for attempt := 0; ; attempt++ {
		routerID, err := o.Media.GetOrCreateRouter(roomID)
		if err != nil {
			return VoiceState{}, err
		}
		params, consumers, err = o.Media.CreateTransport(routerID, identity, direction)
		// the router went away with its last transport in between; build a new one
		if errors.Is(err, media.ErrRouterNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			// a router nobody got onto is released again
			o.releaseIfIdle(roomID)
			return VoiceState{}, err
		}
		break
	}
	o.hold(params.ID, sid)
	o.attachSinks(consumers)
	log.Info().Str("module", "orch").Str("room_id", string(roomID)).Str("identity", string(identity)).Str("sid", string(sid)).Msg("voice joined")
	return VoiceState{Transport: params, Consumers: consumers}, nil
}

func (o *Orchestrator) releaseIfIdle(roomID domain.RoomID) {
	if o.Media.ReleaseRouter(roomID) {
		log.Debug().Str("module", "orch").Str("room_id", string(roomID)).Msg("idle router released")
	}
}

// LeaveVoice stops sid using the identity's transport in the room. The transport is
// released once no other device of the identity still uses it.
func (o *Orchestrator) LeaveVoice(sid domain.SessionID, roomID domain.RoomID, identity domain.UserID) {
	defer o.lockRoom(roomID)()
	t, ok := o.Media.TransportOf(roomID, identity)
	if !ok {
		return
	}
	if !o.unhold(t.ID, sid) {
		log.Debug().Str("module", "orch").Str("room_id", string(roomID)).Str("sid", string(sid)).Msg("transport kept for other devices")
		return
	}
	o.releaseVoiceLocked(roomID, identity)
}

// releaseVoiceLocked drops the identity's transport in the room whoever uses it.
// Expects the room lock held.
func (o *Orchestrator) releaseVoiceLocked(roomID domain.RoomID, identity domain.UserID) {
	t, ok := o.Media.TransportOf(roomID, identity)
	if !ok {
		return
	}
	o.forget(t.ID)
	o.dropConnection(t.ID)
	o.Media.ReleaseParticipant(roomID, identity)
}

// Disconnect releases the media a closing connection held. Room membership is kept;
// only an explicit leave gives it up.
func (o *Orchestrator) Disconnect(sid domain.SessionID, identity domain.UserID, voiceRooms []domain.RoomID) {
	for _, roomID := range voiceRooms {
		o.LeaveVoice(sid, roomID, identity)
	}
	if sid != "" {
		if _, err := o.Presence.CloseSession(sid); err != nil {
			log.Debug().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("session already closed")
		}
	}
	log.Info().Str("module", "orch").Str("identity", string(identity)).Int("voice_rooms", len(voiceRooms)).Msg("disconnect cleanup done")
}
